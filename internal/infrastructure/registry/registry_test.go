package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name string
}

func (f *fakeTransport) Send([]byte) error       { return nil }
func (f *fakeTransport) Close(int, string) error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ids(conns []Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}

func TestRegisterIndexesByUser(t *testing.T) {
	r := New()

	a, n, err := r.Register(&fakeTransport{name: "a"}, "alice", Metadata{RemoteAddr: "10.0.0.1:5000"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b, n, err := r.Register(&fakeTransport{name: "b"}, "alice", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, n, err = r.Register(&fakeTransport{name: "c"}, "bob", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "10.0.0.1:5000", a.RemoteAddr)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(r.ConnectionsForUser("alice")))
	assert.Equal(t, Stats{Connections: 3, Users: 2, Rooms: 0}, r.Stats())
}

func TestRegisterRejectsDuplicateTransport(t *testing.T) {
	r := New()
	tr := &fakeTransport{}

	_, _, err := r.Register(tr, "alice", Metadata{})
	require.NoError(t, err)

	_, _, err = r.Register(tr, "alice", Metadata{})
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	assert.Equal(t, 1, r.Connections())
}

func TestUnregisterCleansEveryIndex(t *testing.T) {
	r := New()

	a, _, _ := r.Register(&fakeTransport{}, "alice", Metadata{})
	b, _, _ := r.Register(&fakeTransport{}, "alice", Metadata{})

	require.NoError(t, r.JoinRoom(a.ID, "lobby"))
	require.NoError(t, r.JoinRoom(a.ID, "solo"))
	require.NoError(t, r.JoinRoom(b.ID, "lobby"))

	removed, remaining, ok := r.Unregister(a.ID)
	require.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, []string{"lobby", "solo"}, removed.Rooms)

	_, found := r.Get(a.ID)
	assert.False(t, found)
	assert.Equal(t, []string{b.ID}, ids(r.ConnectionsForUser("alice")))
	assert.Equal(t, []string{b.ID}, ids(r.ConnectionsInRoom("lobby")))
	assert.Empty(t, r.ConnectionsInRoom("solo"))
	assert.Equal(t, 1, r.Rooms())

	_, _, ok = r.Unregister(a.ID)
	assert.False(t, ok)

	_, remaining, _ = r.Unregister(b.ID)
	assert.Zero(t, remaining)
	assert.Equal(t, Stats{}, r.Stats())
	assert.Nil(t, r.ConnectionsForUser("alice"))
}

func TestUnregisteredTransportCanRegisterAgain(t *testing.T) {
	r := New()
	tr := &fakeTransport{}

	a, _, _ := r.Register(tr, "alice", Metadata{})
	r.Unregister(a.ID)

	_, _, err := r.Register(tr, "alice", Metadata{})
	assert.NoError(t, err)
}

func TestRoomMembershipRequiresKnownConnection(t *testing.T) {
	r := New()

	assert.ErrorIs(t, r.JoinRoom("missing", "lobby"), ErrUnknownConnection)
	assert.ErrorIs(t, r.LeaveRoom("missing", "lobby"), ErrUnknownConnection)
	assert.Zero(t, r.Rooms())
}

func TestLeaveRoomDeletesEmptyRoom(t *testing.T) {
	r := New()
	a, _, _ := r.Register(&fakeTransport{}, "alice", Metadata{})

	require.NoError(t, r.JoinRoom(a.ID, "lobby"))
	require.NoError(t, r.JoinRoom(a.ID, "lobby"))
	assert.Len(t, r.ConnectionsInRoom("lobby"), 1)

	require.NoError(t, r.LeaveRoom(a.ID, "lobby"))
	assert.Zero(t, r.Rooms())

	// Leaving a room twice is harmless.
	require.NoError(t, r.LeaveRoom(a.ID, "lobby"))

	got, _ := r.Get(a.ID)
	assert.Empty(t, got.Rooms)
}

func TestSnapshotsAreDetached(t *testing.T) {
	r := New()
	a, _, _ := r.Register(&fakeTransport{}, "alice", Metadata{})
	require.NoError(t, r.JoinRoom(a.ID, "lobby"))

	snap, _ := r.Get(a.ID)
	snap.Rooms[0] = "hijacked"
	snap.UserID = "mallory"

	fresh, _ := r.Get(a.ID)
	assert.Equal(t, []string{"lobby"}, fresh.Rooms)
	assert.Equal(t, "alice", fresh.UserID)
}

func TestSweepIdleBoundaries(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	maxIdle := 10 * time.Minute

	stale, _, _ := r.Register(&fakeTransport{}, "alice", Metadata{})
	clock.Advance(time.Nanosecond)
	edge, _, _ := r.Register(&fakeTransport{}, "bob", Metadata{})
	clock.Advance(time.Minute)
	fresh, _, _ := r.Register(&fakeTransport{}, "carol", Metadata{})

	// stale is one unit past the threshold, edge exactly at it.
	clock.Advance(maxIdle - time.Minute)

	idle := r.SweepIdle(maxIdle)
	assert.Equal(t, []string{stale.ID}, ids(idle))

	clock.Advance(time.Nanosecond)
	assert.Equal(t, []string{stale.ID, edge.ID}, ids(r.SweepIdle(maxIdle)))

	assert.True(t, r.Touch(stale.ID))
	assert.Equal(t, []string{edge.ID}, ids(r.SweepIdle(maxIdle)))

	_, stillThere := r.Get(fresh.ID)
	assert.True(t, stillThere)
	assert.Equal(t, 3, r.Connections())
}

func TestTouchUnknownConnection(t *testing.T) {
	assert.False(t, New().Touch("nope"))
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := r.Register(&fakeTransport{}, "user", Metadata{})
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, r.JoinRoom(c.ID, "room"))
			r.Touch(c.ID)
			r.ConnectionsInRoom("room")
			r.Unregister(c.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, Stats{}, r.Stats())
}

func TestUserIDs(t *testing.T) {
	r := New()
	r.Register(&fakeTransport{}, "bob", Metadata{})
	r.Register(&fakeTransport{}, "alice", Metadata{})
	r.Register(&fakeTransport{}, "alice", Metadata{})

	assert.Equal(t, []string{"alice", "bob"}, r.UserIDs())
}
