package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/council/pkg/expert"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestCreateSession(t *testing.T) {
	c := NewCarrier()
	a := c.CreateSession()
	b := c.CreateSession()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, c.Len())
}

func TestBeginFirstTurnUnchanged(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()
	got := c.Begin(id, "how tall is it", "how tall is it")
	assert.Equal(t, "how tall is it", got)
}

func TestDerivativeThenIntegral(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()

	q := c.Begin(id, "find the derivative of x^2", "find the derivative of x^2")
	require.Equal(t, "find the derivative of x^2", q)
	c.RecordTurn(id, Assistant, "2x", expert.Math)

	q = c.Begin(id, "now find the integral", "now find the integral")
	assert.Equal(t, "now find the integral of x^2", q)

	snap := c.Snapshot(id)
	assert.Equal(t, expert.Math, snap.LastExpert)
	assert.Equal(t, "now find the integral of x^2", snap.LastTopic)
}

func TestTickerFollowUp(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()
	c.Begin(id, "What is the AAPL stock price?", "What is the AAPL stock price?")
	c.RecordTurn(id, Assistant, "About 190 dollars.", expert.Research)
	got := c.Begin(id, "What about MSFT?", "What about MSFT?")
	assert.Equal(t, "What is the MSFT stock price?", got)
}

func TestPreviousQueryIsRawMessage(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()
	c.Begin(id, "/tmp/plot.png derivative of x^3", "derivative of x^3")
	got := c.Begin(id, "now find the integral", "now find the integral")
	assert.Equal(t, "now find the integral of x^3", got)
}

func TestRewriteWithoutEnoughTurns(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()
	assert.Equal(t, "what about it", c.Rewrite(id, "what about it"))
	c.RecordTurn(id, User, "what about it", "")
	assert.Equal(t, "what about it", c.Rewrite(id, "what about it"))
}

func TestTurnsAppendOnlyAndMonotonic(t *testing.T) {
	c := NewCarrier(WithClock(fixedClock()))
	id := c.CreateSession()

	c.RecordTurn(id, User, "one", "")
	c.RecordTurn(id, Assistant, "two", expert.Knowledge)
	first := c.History(id)

	c.Append(id, Turn{Role: Assistant, Content: "three", Attempted: expert.Vision, Failure: "SlotLoadFailed"})
	second := c.History(id)

	require.Len(t, second, 3)
	assert.Equal(t, first, second[:2], "earlier turns unchanged")
	for i := 1; i < len(second); i++ {
		assert.True(t, second[i].Timestamp.After(second[i-1].Timestamp))
	}
	assert.Equal(t, "SlotLoadFailed", second[2].Failure)

	// Mutating a returned copy does not leak back.
	second[0].Content = "changed"
	assert.Equal(t, "one", c.History(id)[0].Content)
}

func TestRecordTurnCreatesUnknownSession(t *testing.T) {
	c := NewCarrier()
	c.RecordTurn("room-1", User, "hi", "")
	assert.Len(t, c.History("room-1"), 1)
}

func TestRecentContext(t *testing.T) {
	c := NewCarrier()
	id := c.CreateSession()
	c.RecordTurn(id, User, "q1", "")
	c.RecordTurn(id, Assistant, "a1", expert.Math)
	c.RecordTurn(id, User, "q2", "")
	c.RecordTurn(id, Assistant, strings.Repeat("x", 250), expert.Math)
	c.RecordTurn(id, User, "q3", "")

	got := c.RecentContext(id, 4)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Assistant: a1", lines[0])
	assert.Equal(t, "User: q2", lines[1])
	assert.Equal(t, "Assistant: "+strings.Repeat("x", 200)+"...", lines[2])
	assert.Equal(t, "User: q3", lines[3])

	assert.Empty(t, c.RecentContext(c.CreateSession(), 4))
}

func TestConcurrentSessions(t *testing.T) {
	c := NewCarrier()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("s%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c.Begin(id, fmt.Sprintf("question %d", j), fmt.Sprintf("question %d", j))
				c.RecordTurn(id, Assistant, "answer", expert.Knowledge)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		turns := c.History(fmt.Sprintf("s%d", i))
		require.Len(t, turns, 50)
		for j := 1; j < len(turns); j++ {
			assert.True(t, turns[j].Timestamp.After(turns[j-1].Timestamp))
		}
	}
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Snapshot
}

func newMemStore() *memStore { return &memStore{sessions: map[string]*Snapshot{}} }

func (m *memStore) CreateSession(id string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		m.sessions[id] = &Snapshot{ID: id, CreatedAt: createdAt}
	}
	return nil
}

func (m *memStore) AppendTurn(id string, seq int, t Turn, lastExpert expert.Category, lastTopic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if seq != len(s.Turns) {
		return fmt.Errorf("seq %d out of order", seq)
	}
	s.Turns = append(s.Turns, t)
	s.LastExpert = lastExpert
	s.LastTopic = lastTopic
	return nil
}

func (m *memStore) LoadSession(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	return out, nil
}

func TestStoreWriteThroughAndRehydrate(t *testing.T) {
	store := newMemStore()

	c1 := NewCarrier(WithStore(store))
	id := c1.CreateSession()
	c1.Begin(id, "find the derivative of x^2", "find the derivative of x^2")
	c1.RecordTurn(id, Assistant, "2x", expert.Math)

	// A fresh carrier picks the history up from the store.
	c2 := NewCarrier(WithStore(store))
	got := c2.Begin(id, "now find the integral", "now find the integral")
	assert.Equal(t, "now find the integral of x^2", got)

	snap, err := store.LoadSession(id)
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 3)
	assert.Equal(t, expert.Math, snap.LastExpert)
}

func TestExists(t *testing.T) {
	store := newMemStore()
	c1 := NewCarrier(WithStore(store))
	id := c1.CreateSession()
	assert.True(t, c1.Exists(id))
	assert.False(t, c1.Exists("nope"))
	assert.Equal(t, 1, c1.Len(), "Exists never creates")

	c2 := NewCarrier(WithStore(store))
	assert.True(t, c2.Exists(id))
	assert.False(t, NewCarrier().Exists(id))
}

func TestExpiredSessionWrittenBack(t *testing.T) {
	store := newMemStore()
	c := NewCarrier(WithStore(store))
	id := c.CreateSession()
	c.Begin(id, "explain TCP", "explain TCP")

	store.mu.Lock()
	delete(store.sessions, id)
	store.mu.Unlock()

	c.RecordTurn(id, Assistant, "TCP is reliable.", expert.Knowledge)

	snap, err := store.LoadSession(id)
	require.NoError(t, err)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "explain TCP", snap.Turns[0].Content)
	assert.Equal(t, "TCP is reliable.", snap.Turns[1].Content)
	assert.Equal(t, expert.Knowledge, snap.LastExpert)
}

// slowStore blocks LoadSession for one id until released.
type slowStore struct {
	*memStore
	slowID  string
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) LoadSession(id string) (Snapshot, error) {
	if id == s.slowID {
		close(s.entered)
		<-s.release
	}
	return s.memStore.LoadSession(id)
}

func TestLoadDoesNotBlockOtherSessions(t *testing.T) {
	store := &slowStore{memStore: newMemStore(), slowID: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCarrier(WithStore(store))
	id := c.CreateSession()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Begin("slow", "hello", "hello")
	}()
	<-store.entered

	answered := make(chan struct{})
	go func() {
		c.RecordTurn(id, User, "still here", "")
		close(answered)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("loading one session stalled another")
	}

	close(store.release)
	<-done
	assert.Len(t, c.History("slow"), 1)
}
