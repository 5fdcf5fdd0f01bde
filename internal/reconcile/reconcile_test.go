package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snapshot(host string, members ...string) store.Snapshot {
	s := store.Snapshot{Room: store.Room{ID: "room", Code: "ABCDEF", HostID: host, Status: store.RoomWaiting, MaxPlayers: 6}}
	for i, id := range members {
		s.Members = append(s.Members, store.Membership{RoomID: "room", UserID: id, JoinedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	return s
}

// fakeSource serves a fixed snapshot and hands every subscription stream to
// the test.
type fakeSource struct {
	mu         sync.Mutex
	snap       store.Snapshot
	err        error
	snapshots  int
	subscribes int
	streams    chan chan store.Event
}

func newFakeSource(snap store.Snapshot) *fakeSource {
	return &fakeSource{snap: snap, streams: make(chan chan store.Event, 16)}
}

func (f *fakeSource) Snapshot(context.Context, string) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return f.snap, f.err
}

func (f *fakeSource) Subscribe(context.Context, string) (<-chan store.Event, error) {
	f.mu.Lock()
	f.subscribes++
	f.mu.Unlock()
	ch := make(chan store.Event, 16)
	f.streams <- ch
	return ch, nil
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots, f.subscribes
}

func (f *fakeSource) set(snap store.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

// gatedSource blocks every Snapshot call until the test resolves it, so
// responses can be delivered out of order.
type gatedSource struct {
	calls chan gatedCall
}

type gatedCall struct {
	resolve chan store.Snapshot
}

func (g *gatedSource) Snapshot(ctx context.Context, _ string) (store.Snapshot, error) {
	call := gatedCall{resolve: make(chan store.Snapshot)}
	g.calls <- call
	select {
	case s := <-call.resolve:
		return s, nil
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	}
}

func (g *gatedSource) Subscribe(ctx context.Context, _ string) (<-chan store.Event, error) {
	return nil, gameerr.ErrNetwork
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	a, b, c := s.Next(), s.Next(), s.Next()
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{a, b, c})

	assert.True(t, s.Accept(b))
	assert.False(t, s.Accept(a), "older than applied")
	assert.False(t, s.Accept(b), "already applied")
	assert.True(t, s.Accept(c))
	assert.Equal(t, c, s.Applied())
}

func TestRefreshDropsStaleResponse(t *testing.T) {
	ctx := context.Background()
	src := &gatedSource{calls: make(chan gatedCall, 2)}
	r := New(src, "room", quartz.NewReal(), DefaultConfig(), testLogger())

	type result struct {
		view View
		err  error
	}
	first, second := make(chan result, 1), make(chan result, 1)

	go func() {
		v, err := r.Refresh(ctx)
		first <- result{v, err}
	}()
	slow := <-src.calls

	go func() {
		v, err := r.Refresh(ctx)
		second <- result{v, err}
	}()
	fast := <-src.calls

	fast.resolve <- snapshot("new-host", "new-host", "p1")
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "new-host", got.view.Room.HostID)

	slow.resolve <- snapshot("old-host", "old-host")
	stale := <-first
	require.ErrorIs(t, stale.err, gameerr.ErrStaleResponse)

	view, ok := r.View()
	require.True(t, ok)
	assert.Equal(t, "new-host", view.Room.HostID)
	assert.Len(t, view.Members, 2)
}

func TestEventInvalidatesEarlierFetch(t *testing.T) {
	ctx := context.Background()
	src := &gatedSource{calls: make(chan gatedCall, 2)}
	r := New(src, "room", quartz.NewReal(), DefaultConfig(), testLogger())

	go func() { _, _ = r.Refresh(ctx) }()
	(<-src.calls).resolve <- snapshot("host", "host")
	require.Eventually(t, func() bool { _, ok := r.View(); return ok }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		done <- err
	}()
	inflight := <-src.calls

	joined := store.Membership{RoomID: "room", UserID: "p1", JoinedAt: t0}
	r.Apply(store.Event{Kind: store.MembershipInserted, RoomID: "room", Membership: &joined})

	inflight.resolve <- snapshot("host", "host")
	require.ErrorIs(t, <-done, gameerr.ErrStaleResponse)

	view, _ := r.View()
	_, ok := view.Member("p1")
	assert.True(t, ok, "push event survives the older fetch")
}

func TestViewApply(t *testing.T) {
	base := FromSnapshot(snapshot("host", "host", "p1"))

	p2 := store.Membership{RoomID: "room", UserID: "p2", JoinedAt: t0.Add(time.Minute)}
	v := base.Apply(store.Event{Kind: store.MembershipInserted, RoomID: "room", Membership: &p2})
	assert.Len(t, v.Members, 3)
	assert.True(t, v.Provisional["p2"])
	assert.Len(t, base.Members, 2, "receiver is not modified")

	p1 := store.Membership{RoomID: "room", UserID: "p1", IsReady: true, TotalBet: 10000, BetDetails: ledger.Bets{ledger.Ca: 10000}, JoinedAt: t0.Add(time.Second)}
	v = v.Apply(store.Event{Kind: store.MembershipUpdated, RoomID: "room", Membership: &p1})
	assert.False(t, v.AllReady(), "p2 not ready")
	assert.Equal(t, int64(10000), v.TotalStaked())

	v = v.Apply(store.Event{Kind: store.MembershipDeleted, RoomID: "room", Membership: &p2})
	assert.True(t, v.AllReady())
	assert.NotContains(t, v.Provisional, "p2")
	assert.Equal(t, []string{"host", "p1"}, userIDs(v.OrderedMembers()))

	moved := v.Room
	moved.HostID = "p1"
	v = v.Apply(store.Event{Kind: store.RoomUpdated, RoomID: "room", Room: &moved})
	assert.True(t, v.IsHost("p1"))
	assert.False(t, v.IsHost("host"))

	other := store.Membership{RoomID: "elsewhere", UserID: "x"}
	assert.Equal(t, v, v.Apply(store.Event{Kind: store.MembershipInserted, RoomID: "elsewhere", Membership: &other}))

	v = v.Apply(store.Event{Kind: store.RoomDeleted, RoomID: "room", Room: &moved})
	assert.True(t, v.Deleted)
}

func TestViewApplyRounds(t *testing.T) {
	v := FromSnapshot(snapshot("host", "host"))

	r1 := store.Round{ID: "r1", RoomID: "room", Status: store.RoundBetting, CreatedAt: t0}
	v = v.Apply(store.Event{Kind: store.RoundInserted, RoomID: "room", Round: &r1})
	require.NotNil(t, v.Round)
	assert.Equal(t, "r1", v.Round.ID)

	r2 := store.Round{ID: "r2", RoomID: "room", Status: store.RoundBetting, CreatedAt: t0.Add(time.Minute)}
	v = v.Apply(store.Event{Kind: store.RoundInserted, RoomID: "room", Round: &r2})
	assert.Equal(t, "r2", v.Round.ID)

	// A late update for the previous round does not replace the active one.
	r1.Status = store.RoundSettled
	r1.Outcome = []ledger.Animal{ledger.Ga, ledger.Ga, ledger.Ga}
	v = v.Apply(store.Event{Kind: store.RoundUpdated, RoomID: "room", Round: &r1})
	assert.Equal(t, "r2", v.Round.ID)

	r2.Status = store.RoundRolling
	v = v.Apply(store.Event{Kind: store.RoundUpdated, RoomID: "room", Round: &r2})
	assert.Equal(t, store.RoundRolling, v.Round.Status)

	// Rounds created within the same clock tick still replace each other.
	r3 := store.Round{ID: "r3", RoomID: "room", Status: store.RoundBetting, CreatedAt: r2.CreatedAt}
	v = v.Apply(store.Event{Kind: store.RoundInserted, RoomID: "room", Round: &r3})
	assert.Equal(t, "r3", v.Round.ID)
}

func TestRefreshConfirmsProvisionalMembers(t *testing.T) {
	src := newFakeSource(snapshot("host", "host"))
	r := New(src, "room", quartz.NewReal(), DefaultConfig(), testLogger())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	p1 := store.Membership{RoomID: "room", UserID: "p1", JoinedAt: t0}
	r.Apply(store.Event{Kind: store.MembershipInserted, RoomID: "room", Membership: &p1})
	v, _ := r.View()
	assert.True(t, v.Provisional["p1"])

	src.set(snapshot("host", "host", "p1"), nil)
	v, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v.Provisional)
	assert.Len(t, v.Members, 2)
}

func TestRefreshMarksDeletedRoom(t *testing.T) {
	src := newFakeSource(snapshot("host", "host"))
	r := New(src, "room", quartz.NewReal(), DefaultConfig(), testLogger())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	src.set(store.Snapshot{}, gameerr.ErrRoomNotFound)
	v, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Deleted)
	assert.Equal(t, "room", v.Room.ID)

	src.set(store.Snapshot{}, gameerr.ErrNetwork)
	_, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, gameerr.ErrNetwork)
}

func TestRunPollsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := quartz.NewMock(t)
	src := newFakeSource(snapshot("host", "host"))
	r := New(src, "room", clock, DefaultConfig(), testLogger())

	var mu sync.Mutex
	var seen []View
	r.OnChange(func(v View) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-src.streams

	require.Eventually(t, func() bool {
		n, _ := src.counts()
		return n >= 1
	}, time.Second, time.Millisecond)

	src.set(snapshot("host", "host", "p1"), nil)
	require.Eventually(t, func() bool {
		clock.Advance(DefaultConfig().PollInterval).MustWait(ctx)
		v, _ := r.View()
		return len(v.Members) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.NotEmpty(t, seen)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestRunResubscribesAfterBrokenStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newFakeSource(snapshot("host", "host"))
	cfg := Config{PollInterval: time.Hour, ResubscribeDelay: 5 * time.Millisecond}
	r := New(src, "room", quartz.NewReal(), cfg, testLogger())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	stream := <-src.streams
	require.Eventually(t, func() bool { _, ok := r.View(); return ok }, time.Second, time.Millisecond)

	src.set(snapshot("host", "host", "p1"), nil)
	p1 := store.Membership{RoomID: "room", UserID: "p1", JoinedAt: t0.Add(time.Second)}
	stream <- store.Event{Kind: store.MembershipInserted, RoomID: "room", Membership: &p1}
	require.Eventually(t, func() bool {
		v, _ := r.View()
		_, ok := v.Member("p1")
		return ok
	}, time.Second, time.Millisecond)

	close(stream)
	select {
	case <-src.streams:
	case <-time.After(time.Second):
		t.Fatal("did not resubscribe")
	}
	_, subs := src.counts()
	assert.Equal(t, 2, subs)

	cancel()
	require.NoError(t, <-done)
}

func userIDs(members []store.Membership) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}

func TestPublishDropsOlderViews(t *testing.T) {
	r := New(newFakeSource(snapshot("host")), "room", quartz.NewReal(), DefaultConfig(), testLogger())
	var got []string
	r.OnChange(func(v View) { got = append(got, v.Room.HostID) })

	r.publish(View{Room: store.Room{HostID: "second"}}, 2)
	r.publish(View{Room: store.Room{HostID: "first"}}, 1)
	r.publish(View{Room: store.Room{HostID: "third"}}, 3)
	assert.Equal(t, []string{"second", "third"}, got)
}

func TestConcurrentUpdatesDeliverLatestViewLast(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(snapshot("host", "host"))
	r := New(src, "room", quartz.NewReal(), DefaultConfig(), testLogger())
	_, err := r.Refresh(ctx)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last View
	)
	r.OnChange(func(v View) {
		mu.Lock()
		last = v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 200 {
				_, _ = r.Refresh(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 200 {
				m := store.Membership{RoomID: "room", UserID: fmt.Sprintf("p%d-%d", i, j), JoinedAt: t0}
				r.Apply(store.Event{Kind: store.MembershipInserted, RoomID: "room", Membership: &m})
			}
		}()
	}
	wg.Wait()

	held, ok := r.View()
	require.True(t, ok)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, held, last, "the last delivered view is the one held")
}
