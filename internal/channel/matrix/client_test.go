package matrix

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"abcdefghij", "klm"}, splitMessage("abcdefghijklm", 10))

	// Prefers a newline in the back half of the window.
	assert.Equal(t, []string{"line one\n", "line two"}, splitMessage("line one\nline two", 10))

	// Never splits inside a multi-byte rune.
	chunks := splitMessage(strings.Repeat("∫", 9), 4)
	assert.Equal(t, []string{"∫∫∫∫", "∫∫∫∫", "∫"}, chunks)
}

func TestSplitMessageAtMaxLen(t *testing.T) {
	long := strings.Repeat("a", MaxMessageLen*2+1)
	chunks := splitMessage(long, MaxMessageLen)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], MaxMessageLen)
	assert.Equal(t, "a", chunks[2])
}

func TestIsAllowed(t *testing.T) {
	open := New(Config{})
	assert.True(t, open.isAllowed(id.UserID("@anyone:example.com")))

	closed := New(Config{AllowedUsers: []string{"@alice:example.com"}})
	assert.True(t, closed.isAllowed(id.UserID("@alice:example.com")))
	assert.False(t, closed.isAllowed(id.UserID("@mallory:example.com")))

	blank := New(Config{AllowedUsers: []string{" "}})
	assert.True(t, blank.isAllowed(id.UserID("@anyone:example.com")))
}

func TestToMessage(t *testing.T) {
	c := New(Config{DataDir: t.TempDir()})
	msgEvent := func(content *event.MessageEventContent) *event.Event {
		return &event.Event{
			Sender:    id.UserID("@alice:example.com"),
			RoomID:    id.RoomID("!room:example.com"),
			Timestamp: 42,
			Content:   event.Content{Parsed: content},
		}
	}

	msg, ok := c.toMessage(context.Background(), msgEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "  integrate x^3\n"}))
	require.True(t, ok)
	assert.Equal(t, "matrix", msg.Source)
	assert.Equal(t, "!room:example.com", msg.RoomID)
	assert.Equal(t, "@alice:example.com", msg.SenderID)
	assert.Equal(t, "integrate x^3", msg.Content)
	assert.Equal(t, int64(42), msg.Timestamp)
	assert.Empty(t, msg.ImagePath)

	_, ok = c.toMessage(context.Background(), msgEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "   "}))
	assert.False(t, ok)

	_, ok = c.toMessage(context.Background(), msgEvent(&event.MessageEventContent{MsgType: event.MsgFile, Body: "notes.pdf"}))
	assert.False(t, ok)
}

func TestCredentials(t *testing.T) {
	c := New(Config{DataDir: t.TempDir()})

	_, err := c.loadCredentials()
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, c.saveCredentials(credentials{AccessToken: "tok", UserID: "@council:example.com", DeviceID: "DEV"}))
	creds, err := c.loadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.AccessToken)
	assert.Equal(t, "DEV", creds.DeviceID)

	info, err := os.Stat(filepath.Join(c.config.DataDir, "matrix_credentials.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(c.credFile, []byte(`{"user_id":"@council:example.com"}`), 0o600))
	_, err = c.loadCredentials()
	assert.Error(t, err)
}

func TestImageHelpers(t *testing.T) {
	assert.Equal(t, ".jpg", imageExt("image/jpeg", "photo"))
	assert.Equal(t, ".webp", imageExt("", "Sticker.WEBP"))
	assert.Equal(t, ".png", imageExt("", "clipboard"))

	assert.Equal(t, "_abc_example_com", sanitizeFileName("$abc:example.com"))

	assert.Equal(t, "", imageCaption(&event.MessageEventContent{Body: "IMG_1.jpg"}))
	assert.Equal(t, "", imageCaption(&event.MessageEventContent{Body: "IMG_1.jpg", FileName: "IMG_1.jpg"}))
	assert.Equal(t, "what plant is this?", imageCaption(&event.MessageEventContent{Body: "what plant is this?", FileName: "IMG_1.jpg"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "∂∂...", truncate("∂∂∂∂", 2))
}
