package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/protocol"
	"github.com/lox/baucua/internal/reconcile"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/settlement"
	"github.com/lox/baucua/internal/store"
)

// ErrNoRoom is returned by room operations before the session joins a room.
var ErrNoRoom = fmt.Errorf("%w: not in a room", gameerr.ErrNotMember)

// Update is what a session reports after every view change.
type Update struct {
	View       reconcile.View
	Transition round.Transition
}

// Session is one user's seat at the table. It keeps the joined room in sync,
// tracks the round phase locally and settles each revealed round once.
//
// Local mutations (bet debits, ready flips) are shown immediately and healed
// by the next fetch.
type Session struct {
	client *Client
	clock  quartz.Clock
	sync   reconcile.Config
	logger *log.Logger
	settle *settlement.Engine

	mu       sync.Mutex
	roomID   string
	rec      *reconcile.Reconciler
	tracker  *round.Tracker
	cancel   context.CancelFunc
	done     chan struct{}
	left     bool
	unsent   bool // left locally but the server has not confirmed
	balance  int64
	stakes   map[string]ledger.Bets    // round id -> own stakes
	retry    map[string]ledger.Outcome // reveals whose credit failed
	missed   map[string]struct{}       // replaced rounds not fetched yet
	onUpdate []func(Update)
	onSettle []func(settlement.Settlement)
}

func NewSession(c *Client, clock quartz.Clock, syncConfig reconcile.Config, logger *log.Logger) *Session {
	return &Session{
		client: c,
		clock:  clock,
		sync:   syncConfig,
		logger: logger.WithPrefix("session").With("user", c.UserID()),
		settle: settlement.NewEngine(c, logger),
		stakes: make(map[string]ledger.Bets),
		retry:  make(map[string]ledger.Outcome),
		missed: make(map[string]struct{}),
	}
}

// UserID returns the session's user.
func (s *Session) UserID() string {
	return s.client.UserID()
}

// OnUpdate registers fn to be called after every view change. fn runs on the
// sync goroutine and must not call LeaveRoom or Close.
func (s *Session) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

// OnSettle registers fn to be called once per settled round.
func (s *Session) OnSettle(fn func(settlement.Settlement)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSettle = append(s.onSettle, fn)
}

// RoomID returns the joined room, or "" outside a room.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return ""
	}
	return s.roomID
}

// View returns the current picture of the joined room.
func (s *Session) View() (reconcile.View, bool) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return reconcile.View{}, false
	}
	return rec.View()
}

// Phase returns the local round phase.
func (s *Session) Phase() round.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return round.Idle{}
	}
	return s.tracker.Phase()
}

// LocalBalance returns the balance as last known locally, including
// unconfirmed debits.
func (s *Session) LocalBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// RefreshBalance reloads the balance from the server.
func (s *Session) RefreshBalance(ctx context.Context) (int64, error) {
	bal, err := s.client.Balance(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.balance = bal
	s.mu.Unlock()
	return bal, nil
}

// ListOpenRooms returns the rooms that can be joined.
func (s *Session) ListOpenRooms(ctx context.Context) ([]store.RoomSummary, error) {
	return s.client.ListRooms(ctx)
}

// CreateRoom creates a room hosted by this user and enters it.
func (s *Session) CreateRoom(ctx context.Context, maxPlayers int) (store.Room, error) {
	if err := s.leaveCurrent(ctx); err != nil {
		return store.Room{}, err
	}
	room, err := s.client.CreateRoom(ctx, maxPlayers)
	if err != nil {
		return store.Room{}, err
	}
	return room, s.enter(ctx, room.ID)
}

// JoinRoom joins the room with code and enters it.
func (s *Session) JoinRoom(ctx context.Context, code string) (store.Room, error) {
	if err := s.leaveCurrent(ctx); err != nil {
		return store.Room{}, err
	}
	room, err := s.client.JoinRoom(ctx, code)
	if err != nil {
		return store.Room{}, err
	}
	return room, s.enter(ctx, room.ID)
}

func (s *Session) leaveCurrent(ctx context.Context) error {
	if s.RoomID() == "" {
		return nil
	}
	_, err := s.LeaveRoom(ctx)
	return err
}

// enter starts syncing roomID. The first fetch happens before it returns.
func (s *Session) enter(ctx context.Context, roomID string) error {
	if _, err := s.RefreshBalance(ctx); err != nil {
		s.logger.Warn("Failed to load balance", "error", err)
	}

	rec := reconcile.New(s.client, roomID, s.clock, s.sync, s.logger)
	tracker := round.NewTracker()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.roomID = roomID
	s.rec = rec
	s.tracker = tracker
	s.cancel = cancel
	s.done = done
	s.left = false
	s.unsent = false
	clear(s.missed)
	s.mu.Unlock()

	rec.OnChange(func(v reconcile.View) { s.observe(runCtx, tracker, v) })
	if _, err := rec.Refresh(ctx); err != nil && !errors.Is(err, gameerr.ErrStaleResponse) {
		s.logger.Warn("Initial room fetch failed", "room", roomID, "error", err)
	}

	go func() {
		defer close(done)
		if err := rec.Run(runCtx); err != nil {
			s.logger.Error("Room sync stopped", "room", roomID, "error", err)
		}
	}()
	s.logger.Info("Entered room", "room", roomID)
	return nil
}

// joined returns the room and its reconciler, or ErrNoRoom.
func (s *Session) joined() (string, *reconcile.Reconciler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.left {
		return "", nil, ErrNoRoom
	}
	return s.roomID, s.rec, nil
}

// observe runs on every view change, in order.
func (s *Session) observe(ctx context.Context, tracker *round.Tracker, v reconcile.View) {
	if v.Deleted {
		s.logger.Info("Room is gone", "room", v.Room.ID)
	}

	tr, err := tracker.Observe(v.Round)
	if err != nil {
		s.logger.Warn("Ignoring malformed round", "error", err)
	}
	if tr.Changed() {
		s.logger.Debug("Round phase changed", "from", tr.From, "to", tr.To, "round", tr.To.RoundID())
	}

	// A round that ended while we were not looking is settled before the new
	// one is taken up.
	if tr.Unsettled != "" {
		s.mu.Lock()
		s.missed[tr.Unsettled] = struct{}{}
		s.mu.Unlock()
	}
	s.retryFailed(ctx, v.Room.ID, tracker)
	if id, outcome, ok := tracker.Reveal(); ok {
		s.settleRound(ctx, id, outcome, v)
	}

	s.mu.Lock()
	handlers := append([]func(Update){}, s.onUpdate...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(Update{View: v, Transition: tr})
	}
}

func (s *Session) settleMissed(ctx context.Context, roomID string, tracker *round.Tracker, roundID string) {
	r, err := s.client.Round(ctx, roomID, roundID)
	switch {
	case errors.Is(err, gameerr.ErrRoundNotFound), errors.Is(err, gameerr.ErrRoomNotFound):
		s.logger.Warn("Missed round no longer exists", "round", roundID)
		s.forgetMissed(roundID)
		tracker.Consume(roundID)
		return
	case err != nil:
		s.logger.Warn("Failed to fetch missed round, will retry", "round", roundID, "error", err)
		return
	}
	s.forgetMissed(roundID)
	if !r.Status.HasOutcome() {
		// Abandoned while betting; the server refunded the stakes.
		s.logger.Info("Round ended without a reveal", "round", roundID, "status", r.Status)
		tracker.Consume(roundID)
		s.dropStakes(roundID)
		if _, err := s.RefreshBalance(ctx); err != nil {
			s.logger.Debug("Balance refresh after abandoned round", "error", err)
		}
		return
	}
	outcome, err := ledger.OutcomeFromSlice(r.Outcome)
	if err != nil {
		s.logger.Warn("Missed round has a malformed outcome", "round", roundID, "error", err)
		return
	}
	if tracker.Consume(roundID) {
		s.settleRound(ctx, roundID, outcome, reconcile.View{})
	}
}

func (s *Session) forgetMissed(roundID string) {
	s.mu.Lock()
	delete(s.missed, roundID)
	s.mu.Unlock()
}

// retryFailed settles rounds left behind by an earlier failure.
func (s *Session) retryFailed(ctx context.Context, roomID string, tracker *round.Tracker) {
	s.mu.Lock()
	missed := slices.Collect(maps.Keys(s.missed))
	pending := maps.Clone(s.retry)
	s.mu.Unlock()

	for _, id := range missed {
		s.settleMissed(ctx, roomID, tracker, id)
	}
	for id, o := range pending {
		s.settleRound(ctx, id, o, reconcile.View{})
	}
}

// settleRound credits the round's winnings. Stakes come from what this
// session placed, falling back to the member row in v.
func (s *Session) settleRound(ctx context.Context, roundID string, outcome ledger.Outcome, v reconcile.View) {
	userID := s.UserID()

	s.mu.Lock()
	bets, ok := s.stakes[roundID]
	s.mu.Unlock()
	if !ok && v.Round != nil && v.Round.ID == roundID {
		if m, found := v.Member(userID); found {
			bets = m.BetDetails
		}
	}

	res, err := s.settle.Settle(ctx, roundID, userID, bets, outcome)
	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		s.clearRetry(roundID)
		return
	case err != nil:
		s.logger.Warn("Settlement failed, will retry", "round", roundID, "error", err)
		s.mu.Lock()
		s.retry[roundID] = outcome
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	delete(s.retry, roundID)
	delete(s.stakes, roundID)
	if res.Result.TotalWinnings > 0 {
		s.balance = res.Balance
	}
	handlers := append([]func(settlement.Settlement){}, s.onSettle...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(res)
	}
}

func (s *Session) clearRetry(roundID string) {
	s.mu.Lock()
	delete(s.retry, roundID)
	s.mu.Unlock()
}

func (s *Session) dropStakes(roundID string) {
	s.mu.Lock()
	delete(s.stakes, roundID)
	s.mu.Unlock()
}

// refresh heals local state after a failed mutation.
func (s *Session) refresh(ctx context.Context, rec *reconcile.Reconciler) {
	if _, err := rec.Refresh(ctx); err != nil && !errors.Is(err, gameerr.ErrStaleResponse) {
		s.logger.Debug("Refresh after failed action", "error", err)
	}
	if _, err := s.RefreshBalance(ctx); err != nil {
		s.logger.Debug("Balance refresh after failed action", "error", err)
	}
}

func (s *Session) applyMember(rec *reconcile.Reconciler, m store.Membership) {
	rec.Apply(store.Event{Kind: store.MembershipUpdated, RoomID: m.RoomID, Membership: &m})
}

func (s *Session) applyRound(rec *reconcile.Reconciler, kind store.EventKind, r store.Round) {
	rec.Apply(store.Event{Kind: kind, RoomID: r.RoomID, Round: &r})
}

// ToggleReady flips this user's readiness.
func (s *Session) ToggleReady(ctx context.Context) (store.Membership, error) {
	roomID, rec, err := s.joined()
	if err != nil {
		return store.Membership{}, err
	}
	switch s.Phase().(type) {
	case round.Idle, round.Betting:
	default:
		return store.Membership{}, gameerr.ErrInvalidPhase
	}

	if v, ok := rec.View(); ok {
		if m, found := v.Member(s.UserID()); found {
			m.IsReady = !m.IsReady
			s.applyMember(rec, m)
		}
	}

	m, err := s.client.ToggleReady(ctx, roomID)
	if err != nil {
		s.refresh(ctx, rec)
		return store.Membership{}, err
	}
	s.applyMember(rec, m)
	return m, nil
}

// PlaceBet stakes amount on animal in the current betting round.
func (s *Session) PlaceBet(ctx context.Context, animal ledger.Animal, amount int64) (protocol.BetResponse, error) {
	roomID, rec, err := s.joined()
	if err != nil {
		return protocol.BetResponse{}, err
	}
	if !animal.Valid() || amount <= 0 {
		return protocol.BetResponse{}, fmt.Errorf("%w: bet %d on %q", gameerr.ErrInvalidRequest, amount, animal)
	}
	betting, ok := s.Phase().(round.Betting)
	if !ok {
		return protocol.BetResponse{}, gameerr.ErrInvalidPhase
	}

	s.mu.Lock()
	s.balance -= amount
	s.mu.Unlock()

	if v, ok := rec.View(); ok {
		if m, found := v.Member(s.UserID()); found {
			m.BetDetails = m.BetDetails.Clone()
			m.BetDetails[animal] += amount
			m.TotalBet = m.BetDetails.Total()
			s.applyMember(rec, m)
		}
	}

	res, err := s.client.PlaceBet(ctx, roomID, animal, amount, uuid.NewString())
	if err != nil {
		s.mu.Lock()
		s.balance += amount
		s.mu.Unlock()
		s.refresh(ctx, rec)
		return protocol.BetResponse{}, err
	}

	s.mu.Lock()
	s.stakes[betting.ID] = res.Member.BetDetails.Clone()
	s.balance = res.Balance
	s.mu.Unlock()
	s.applyMember(rec, res.Member)
	return res, nil
}

// ClearBets withdraws every stake of the current betting round.
func (s *Session) ClearBets(ctx context.Context) (protocol.BetResponse, error) {
	roomID, rec, err := s.joined()
	if err != nil {
		return protocol.BetResponse{}, err
	}
	betting, ok := s.Phase().(round.Betting)
	if !ok {
		return protocol.BetResponse{}, gameerr.ErrInvalidPhase
	}

	res, err := s.client.ClearBets(ctx, roomID)
	if err != nil {
		s.refresh(ctx, rec)
		return protocol.BetResponse{}, err
	}

	s.mu.Lock()
	delete(s.stakes, betting.ID)
	s.balance = res.Balance
	s.mu.Unlock()
	s.applyMember(rec, res.Member)
	return res, nil
}

// StartRound opens a new betting round. Host only.
func (s *Session) StartRound(ctx context.Context) (store.Round, error) {
	roomID, rec, err := s.joined()
	if err != nil {
		return store.Round{}, err
	}
	r, err := s.client.StartRound(ctx, roomID)
	if err != nil {
		return store.Round{}, err
	}
	s.applyRound(rec, store.RoundInserted, r)
	return r, nil
}

// Roll closes betting and shakes the dice. Host only.
func (s *Session) Roll(ctx context.Context) (store.Round, error) {
	roomID, rec, err := s.joined()
	if err != nil {
		return store.Round{}, err
	}
	r, err := s.client.Roll(ctx, roomID)
	if err != nil {
		return store.Round{}, err
	}
	s.applyRound(rec, store.RoundUpdated, r)
	return r, nil
}

// LeaveRoom leaves the joined room and stops syncing it. Only the first call
// reaches the server; later calls return a zero response, unless the first
// one failed, in which case the request is sent again.
func (s *Session) LeaveRoom(ctx context.Context) (protocol.LeaveResponse, error) {
	s.mu.Lock()
	if s.rec == nil || (s.left && !s.unsent) {
		s.mu.Unlock()
		return protocol.LeaveResponse{}, nil
	}
	first := !s.left
	s.left = true
	s.unsent = true
	roomID, cancel, done := s.roomID, s.cancel, s.done
	s.mu.Unlock()

	if first {
		cancel()
		<-done
	}

	res, err := s.client.LeaveRoom(ctx, roomID)
	if err != nil {
		s.logger.Warn("Leave request failed", "room", roomID, "error", err)
		return protocol.LeaveResponse{}, err
	}

	s.mu.Lock()
	s.unsent = false
	s.balance += res.Refunded
	s.mu.Unlock()
	s.logger.Info("Left room", "room", roomID, "refunded", res.Refunded, "host_change", res.HostChange)
	return res, nil
}

// Close leaves the joined room, if any.
func (s *Session) Close(ctx context.Context) error {
	_, err := s.LeaveRoom(ctx)
	return err
}
