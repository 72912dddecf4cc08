// Package matrix bridges Matrix rooms to the council using mautrix-go.
// Every room is its own session; image uploads are downloaded so the
// vision expert can see them.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/council/pkg/channel"
)

const (
	// MaxMessageLen is the longest reply sent as a single Matrix message.
	MaxMessageLen = 4000

	chunkPause     = 500 * time.Millisecond
	resyncDelay    = 15 * time.Second
	typingTimeout  = 5 * time.Minute
	loginAttempts  = 10
	loginBackoff   = 2 * time.Second
	loginBackoffMx = 2 * time.Minute
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "council"
	Password     string
	ServerName   string // e.g., "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements the channel.Channel interface for Matrix.
type Channel struct {
	config    Config
	allowed   map[id.UserID]struct{} // empty: anyone may talk
	client    *mautrix.Client
	handler   channel.MessageHandler
	startedAt int64 // ms; older events are backlog

	credFile string
	mediaDir string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

var _ channel.Channel = (*Channel)(nil)

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	allowed := make(map[id.UserID]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[id.UserID(u)] = struct{}{}
		}
	}
	return &Channel{
		config:   cfg,
		allowed:  allowed,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		mediaDir: filepath.Join(cfg.DataDir, "media"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start logs in, registers handlers and syncs until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startedAt = time.Now().UnixMilli()

	if err := os.MkdirAll(c.mediaDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}
	if err := c.connect(ctx); err != nil {
		return err
	}

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	slog.Info("matrix channel ready, starting sync", "user", c.client.UserID)
	return c.syncLoop(ctx)
}

// connect creates the client and authenticates, preferring saved
// credentials over a password login.
func (c *Channel) connect(ctx context.Context) error {
	userID := id.NewUserID(c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, userID, "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	// In-memory sync store; a restart resyncs from scratch.
	client.Store = mautrix.NewMemorySyncStore()
	c.client = client

	creds, err := c.loadCredentials()
	if err == nil {
		client.AccessToken = creds.AccessToken
		client.UserID = id.UserID(creds.UserID)
		client.DeviceID = id.DeviceID(creds.DeviceID)
		slog.Info("using saved matrix credentials", "user", creds.UserID, "device", creds.DeviceID)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring unreadable matrix credentials", "file", c.credFile, "error", err)
	}
	return c.login(ctx)
}

// login performs a password login with capped exponential backoff.
// Rejections by the homeserver are not retried.
func (c *Channel) login(ctx context.Context) error {
	backoff := loginBackoff
	for attempt := 1; ; attempt++ {
		slog.Info("logging into matrix", "homeserver", c.config.Homeserver, "user", c.config.UserID, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			if err := c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			}); err != nil {
				slog.Warn("matrix credentials not saved, next start logs in again", "error", err)
			}
			return nil
		}

		if loginRejected(err) {
			return fmt.Errorf("matrix login rejected: %w", err)
		}
		if attempt == loginAttempts {
			return fmt.Errorf("matrix login failed after %d attempts: %w", attempt, err)
		}
		slog.Warn("matrix login failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, loginBackoffMx)
	}
}

func loginRejected(err error) bool {
	return errors.Is(err, mautrix.MForbidden) ||
		errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MInvalidParam)
}

// syncLoop keeps syncing through transient homeserver failures.
func (c *Channel) syncLoop(ctx context.Context) error {
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("matrix sync stopped, resyncing", "delay", resyncDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resyncDelay):
		}
	}
}

// Send posts a reply, split into numbered parts when it exceeds
// MaxMessageLen runes.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, MaxMessageLen)

	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(chunkPause):
				}
			}
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "part", i+1, "parts", len(chunks), "error", err)
			return fmt.Errorf("send to %s: %w", roomID, err)
		}
	}
	slog.Debug("matrix reply sent", "room", roomID, "parts", len(chunks), "len", len(resp.Content))
	return nil
}

// Stop ends the sync loop.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startedAt || !c.isAllowed(evt.Sender) {
		return
	}
	msg, ok := c.toMessage(ctx, evt)
	if !ok {
		return
	}

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"session", evt.RoomID,
		"image", msg.ImagePath != "",
		"content", truncate(msg.Content, 100),
	)

	// Expert loads can take minutes; keep the typing indicator up meanwhile.
	if _, err := c.client.UserTyping(ctx, evt.RoomID, true, typingTimeout); err != nil {
		slog.Debug("typing indicator failed", "room", evt.RoomID, "error", err)
	}
	defer c.client.UserTyping(context.WithoutCancel(ctx), evt.RoomID, false, 0)

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("matrix message not answered", "session", evt.RoomID, "error", err)
		if sendErr := c.Send(ctx, channel.Response{
			RoomID:  string(evt.RoomID),
			Content: fmt.Sprintf("Sorry, that message could not be answered (%v).", err),
		}); sendErr != nil {
			slog.Warn("matrix error reply failed", "error", sendErr)
		}
	}
}

// toMessage converts a room message into a council message. The room id is
// the session id. Images are saved locally and default to a description
// request when sent without a caption.
func (c *Channel) toMessage(ctx context.Context, evt *event.Event) (channel.Message, bool) {
	content := evt.Content.AsMessage()
	if content == nil {
		return channel.Message{}, false
	}
	msg := channel.Message{
		Source:    c.Name(),
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   strings.TrimSpace(content.Body),
		Timestamp: evt.Timestamp,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	case event.MsgImage:
		path, err := c.downloadImage(ctx, evt.ID, content)
		if err != nil {
			slog.Warn("matrix image download failed", "room", evt.RoomID, "error", err)
			return channel.Message{}, false
		}
		msg.ImagePath = path
		msg.Content = imageCaption(content)
		if msg.Content == "" {
			msg.Content = "Describe this image."
		}
	default:
		return channel.Message{}, false
	}
	return msg, msg.Content != ""
}

// downloadImage saves an unencrypted image attachment under the media
// directory and returns its path.
func (c *Channel) downloadImage(ctx context.Context, eventID id.EventID, content *event.MessageEventContent) (string, error) {
	if content.File != nil {
		return "", errors.New("encrypted attachments are not supported")
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return "", fmt.Errorf("parse content uri: %w", err)
	}
	data, err := c.client.DownloadBytes(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", uri, err)
	}

	var mime string
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	path := filepath.Join(c.mediaDir, sanitizeFileName(string(eventID))+imageExt(mime, content.Body))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return path, nil
}

// onMemberEvent joins rooms when an allowed user invites the council.
func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("ignoring invite from user not on the allow list", "sender", evt.Sender, "room", evt.RoomID)
		return
	}

	slog.Info("joining room", "room", evt.RoomID, "invited_by", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("join room failed", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() (credentials, error) {
	var creds credentials
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse %s: %w", c.credFile, err)
	}
	if creds.AccessToken == "" {
		return creds, fmt.Errorf("%s: no access token", c.credFile)
	}
	return creds, nil
}

func (c *Channel) saveCredentials(creds credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.credFile, data, 0o600)
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[sender]
	return ok
}

// splitMessage cuts s into chunks of at most maxLen runes, preferring to
// break after a newline in the second half of a chunk.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	r := []rune(s)
	for len(r) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

// imageCaption returns the caption of an image event. Clients that send a
// caption put it in body and the file name in filename.
func imageCaption(content *event.MessageEventContent) string {
	if content.FileName != "" && content.FileName != content.Body {
		return strings.TrimSpace(content.Body)
	}
	return ""
}

func imageExt(mime, name string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	return ".png"
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
