package dispatch

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var imagePathRe = regexp.MustCompile(`(?i)^([/~].+?\.(png|jpg|jpeg|gif|bmp|webp))\s+(.*)$`)

// ExtractImagePath splits a leading image path off message. The path is
// only honoured when the file exists; otherwise message is returned as is
// and path is empty. A leading "~" is expanded to the home directory.
func ExtractImagePath(message string) (query, path string) {
	m := imagePathRe.FindStringSubmatch(message)
	if m == nil {
		return message, ""
	}
	p := expandHome(m[1])
	if _, err := os.Stat(p); err != nil {
		return message, ""
	}
	return m[3], p
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
