package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/council/pkg/expert"
	"github.com/nous-labs/council/pkg/session"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestOpenCreatesDatabase(t *testing.T) {
	j, path := openTemp(t)
	assert.Equal(t, path, j.Path())
	assert.FileExists(t, path)
	assert.Equal(t, Stats{}, j.Stats())
}

func TestAppendAndLoad(t *testing.T) {
	j, _ := openTemp(t)
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, j.CreateSession("abc12345", t0))
	require.NoError(t, j.CreateSession("abc12345", t0.Add(time.Hour)), "create is idempotent")

	user := session.Turn{Role: session.User, Content: "integrate x^2", Timestamp: t0.Add(time.Second)}
	asst := session.Turn{Role: session.Assistant, Content: "x^3/3", ExpertUsed: expert.Math, Timestamp: t0.Add(2 * time.Second)}
	failed := session.Turn{Role: session.Assistant, Content: "Error", Attempted: expert.Vision, Failure: "SlotLoadFailed", Timestamp: t0.Add(3 * time.Second)}

	require.NoError(t, j.AppendTurn("abc12345", 0, user, "", "integrate x^2"))
	require.NoError(t, j.AppendTurn("abc12345", 1, asst, expert.Math, "integrate x^2"))
	require.NoError(t, j.AppendTurn("abc12345", 2, failed, expert.Math, "integrate x^2"))

	snap, err := j.LoadSession("abc12345")
	require.NoError(t, err)
	assert.Equal(t, "abc12345", snap.ID)
	assert.True(t, snap.CreatedAt.Equal(t0))
	assert.Equal(t, expert.Math, snap.LastExpert)
	assert.Equal(t, "integrate x^2", snap.LastTopic)

	require.Len(t, snap.Turns, 3)
	assert.Equal(t, session.User, snap.Turns[0].Role)
	assert.Equal(t, "integrate x^2", snap.Turns[0].Content)
	assert.Equal(t, expert.Math, snap.Turns[1].ExpertUsed)
	assert.True(t, snap.Turns[1].Timestamp.Equal(asst.Timestamp))
	assert.Equal(t, expert.Vision, snap.Turns[2].Attempted)
	assert.Equal(t, "SlotLoadFailed", snap.Turns[2].Failure)
	assert.Empty(t, snap.Turns[2].ExpertUsed)

	assert.Equal(t, Stats{Sessions: 1, Turns: 3}, j.Stats())
}

func TestDuplicateSeqRejected(t *testing.T) {
	j, _ := openTemp(t)
	now := time.Now()
	require.NoError(t, j.CreateSession("s", now))
	turn := session.Turn{Role: session.User, Content: "a", Timestamp: now}
	require.NoError(t, j.AppendTurn("s", 0, turn, "", ""))
	assert.Error(t, j.AppendTurn("s", 0, turn, "", ""))
}

func TestUnknownSession(t *testing.T) {
	j, _ := openTemp(t)

	_, err := j.LoadSession("missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = j.AppendTurn("missing", 0, session.Turn{Role: session.User, Timestamp: time.Now()}, "", "")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestExpireIdle(t *testing.T) {
	j, _ := openTemp(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	require.NoError(t, j.CreateSession("old", old))
	require.NoError(t, j.AppendTurn("old", 0, session.Turn{Role: session.User, Content: "hi", Timestamp: old}, "", "hi"))
	require.NoError(t, j.CreateSession("stale-but-active", old))
	require.NoError(t, j.AppendTurn("stale-but-active", 0, session.Turn{Role: session.User, Content: "hi", Timestamp: recent}, "", "hi"))
	require.NoError(t, j.CreateSession("fresh", recent))

	n, err := j.ExpireIdle(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = j.LoadSession("old")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, Stats{Sessions: 2, Turns: 1}, j.Stats(), "turns cascade with their session")
}

func TestCarrierRehydratesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path)
	require.NoError(t, err)
	c1 := session.NewCarrier(session.WithStore(j1))
	id := c1.CreateSession()
	c1.Begin(id, "What is the AAPL stock price?", "What is the AAPL stock price?")
	c1.RecordTurn(id, session.Assistant, "AAPL is up.", expert.Research)
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	c2 := session.NewCarrier(session.WithStore(j2))

	snap := c2.Snapshot(id)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, expert.Research, snap.LastExpert)

	got := c2.Begin(id, "What about MSFT?", "What about MSFT?")
	assert.Equal(t, "What is the MSFT stock price?", got)
	assert.Len(t, c2.History(id), 3)
}

func TestCarrierRestoresExpiredSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j1, err := Open(path)
	require.NoError(t, err)

	c := session.NewCarrier(session.WithStore(j1))
	id := c.CreateSession()
	c.Begin(id, "explain TCP", "explain TCP")

	// The janitor runs while the session is still live in memory.
	n, err := j1.ExpireIdle(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c.RecordTurn(id, session.Assistant, "TCP is reliable.", expert.Knowledge)
	c.Begin(id, "and UDP?", "and UDP?")
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	snap, err := j2.LoadSession(id)
	require.NoError(t, err)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, "explain TCP", snap.Turns[0].Content)
	assert.Equal(t, "and UDP?", snap.Turns[2].Content)
	assert.Equal(t, expert.Knowledge, snap.LastExpert)
}
