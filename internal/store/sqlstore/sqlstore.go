// Package sqlstore implements store.Store on database/sql. It speaks SQLite
// (modernc.org/sqlite, no cgo) and PostgreSQL (lib/pq) with one schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	driver    string
	forUpdate string
	numbered  bool // $1 placeholders instead of ?
}

var dialects = map[string]dialect{
	DriverSQLite:   {driver: "sqlite"},
	DriverPostgres: {driver: "postgres", forUpdate: " FOR UPDATE", numbered: true},
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
    id          TEXT PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    host_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    max_players INTEGER NOT NULL,
    created_at  BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS memberships (
    room_id     TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    is_ready    BOOLEAN NOT NULL DEFAULT FALSE,
    total_bet   BIGINT NOT NULL DEFAULT 0,
    bet_details TEXT NOT NULL DEFAULT '{}',
    joined_at   BIGINT NOT NULL,
    PRIMARY KEY (room_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS rounds (
    id         TEXT PRIMARY KEY,
    room_id    TEXT NOT NULL,
    status     TEXT NOT NULL,
    outcome    TEXT,
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS rounds_room_created ON rounds (room_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS wallets (
    user_id TEXT PRIMARY KEY,
    balance BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS wallet_adjustments (
    idempotency_key TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    delta           BIGINT NOT NULL,
    applied_at      BIGINT NOT NULL
)`,
}

// Store is a SQL-backed store.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ store.Store = (*Store)(nil)

// Open connects to the database, applies the schema and returns the store.
// For SQLite the dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty %s dsn", driver)
	}

	if driver == DriverSQLite && dsn != ":memory:" {
		if parent := filepath.Dir(dsn); parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}

	switch driver {
	case DriverSQLite:
		// One connection serialises writers and keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case DriverPostgres:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites ? placeholders for dialects that number them.
func (s *Store) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

const roomColumns = `id, code, host_id, status, max_players, created_at`

func scanRoom(row scanner) (store.Room, error) {
	var (
		r       store.Room
		status  string
		created int64
	)
	if err := row.Scan(&r.ID, &r.Code, &r.HostID, &status, &r.MaxPlayers, &created); err != nil {
		return store.Room{}, err
	}
	r.Status = store.RoomStatus(status)
	r.CreatedAt = fromNanos(created)
	return r, nil
}

const memberColumns = `room_id, user_id, is_ready, total_bet, bet_details, joined_at`

func scanMember(row scanner) (store.Membership, error) {
	var (
		m      store.Membership
		bets   string
		joined int64
	)
	if err := row.Scan(&m.RoomID, &m.UserID, &m.IsReady, &m.TotalBet, &bets, &joined); err != nil {
		return store.Membership{}, err
	}
	m.BetDetails = ledger.Bets{}
	if err := json.Unmarshal([]byte(bets), &m.BetDetails); err != nil {
		return store.Membership{}, fmt.Errorf("decode bet details: %w", err)
	}
	m.JoinedAt = fromNanos(joined)
	return m, nil
}

func encodeBets(b ledger.Bets) (string, error) {
	raw, err := json.Marshal(b.Clone())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

const roundColumns = `id, room_id, status, outcome, created_at`

func scanRound(row scanner) (store.Round, error) {
	var (
		r       store.Round
		status  string
		outcome sql.NullString
		created int64
	)
	if err := row.Scan(&r.ID, &r.RoomID, &status, &outcome, &created); err != nil {
		return store.Round{}, err
	}
	r.Status = store.RoundStatus(status)
	r.CreatedAt = fromNanos(created)
	if outcome.Valid && outcome.String != "" {
		if err := json.Unmarshal([]byte(outcome.String), &r.Outcome); err != nil {
			return store.Round{}, fmt.Errorf("decode outcome: %w", err)
		}
	}
	return r, nil
}

func encodeOutcome(o []ledger.Animal) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room, host store.Membership) error {
	bets, err := encodeBets(host.BetDetails)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO rooms (`+roomColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (code) DO NOTHING`),
			room.ID, room.Code, room.HostID, string(room.Status), room.MaxPlayers, nanos(room.CreatedAt))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrCodeTaken
		}
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO memberships (`+memberColumns+`)
VALUES (?, ?, ?, ?, ?, ?)`),
			host.RoomID, host.UserID, host.IsReady, host.TotalBet, bets, nanos(host.JoinedAt))
		return err
	})
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, s.q(`SELECT `+roomColumns+` FROM rooms WHERE id = ?`), roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, gameerr.ErrRoomNotFound
	}
	return room, err
}

func (s *Store) FindRoomByCode(ctx context.Context, code string) (store.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, s.q(`SELECT `+roomColumns+` FROM rooms WHERE code = ?`), code))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, gameerr.ErrRoomNotFound
	}
	return room, err
}

func (s *Store) ListRooms(ctx context.Context) ([]store.RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.code, r.host_id, r.status, r.max_players, r.created_at, COUNT(m.user_id)
FROM rooms r
LEFT JOIN memberships m ON m.room_id = r.id
GROUP BY r.id, r.code, r.host_id, r.status, r.max_players, r.created_at
ORDER BY r.created_at DESC, r.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.RoomSummary
	for rows.Next() {
		var (
			sum     store.RoomSummary
			status  string
			created int64
		)
		if err := rows.Scan(&sum.ID, &sum.Code, &sum.HostID, &status, &sum.MaxPlayers, &created, &sum.PlayerCount); err != nil {
			return nil, err
		}
		sum.Status = store.RoomStatus(status)
		sum.CreatedAt = fromNanos(created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRoom(ctx context.Context, room store.Room) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE rooms SET host_id = ?, status = ?, max_players = ?
WHERE id = ? AND code = ?`),
		room.HostID, string(room.Status), room.MaxPlayers, room.ID, room.Code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gameerr.ErrRoomNotFound
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM memberships WHERE room_id = ?`,
			`DELETE FROM rounds WHERE room_id = ?`,
			`DELETE FROM rooms WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), roomID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) roomExists(ctx context.Context, tx *sql.Tx, roomID string) error {
	var one int
	err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM rooms WHERE id = ?`), roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return gameerr.ErrRoomNotFound
	}
	return err
}

func (s *Store) AddMember(ctx context.Context, m store.Membership) (bool, error) {
	bets, err := encodeBets(m.BetDetails)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.roomExists(ctx, tx, m.RoomID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO memberships (`+memberColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (room_id, user_id) DO NOTHING`),
			m.RoomID, m.UserID, m.IsReady, m.TotalBet, bets, nanos(m.JoinedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n == 1
		return err
	})
	return inserted, err
}

func (s *Store) GetMember(ctx context.Context, roomID, userID string) (store.Membership, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, s.q(`
SELECT `+memberColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`), roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, gameerr.ErrNotMember
	}
	return m, err
}

func (s *Store) Members(ctx context.Context, roomID string) ([]store.Membership, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+memberColumns+` FROM memberships WHERE room_id = ?
ORDER BY joined_at ASC, user_id ASC`), roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func collectMembers(rows *sql.Rows) ([]store.Membership, error) {
	var out []store.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMember(ctx context.Context, m store.Membership) error {
	bets, err := encodeBets(m.BetDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE memberships SET is_ready = ?, total_bet = ?, bet_details = ?
WHERE room_id = ? AND user_id = ?`),
		m.IsReady, m.BetDetails.Total(), bets, m.RoomID, m.UserID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gameerr.ErrNotMember
	}
	return nil
}

func (s *Store) ToggleReady(ctx context.Context, roomID, userID string) (store.Membership, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, s.q(`
UPDATE memberships SET is_ready = NOT is_ready
WHERE room_id = ? AND user_id = ?
RETURNING `+memberColumns), roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, gameerr.ErrNotMember
	}
	return m, err
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) (store.Membership, bool, error) {
	var (
		m       store.Membership
		removed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = scanMember(tx.QueryRowContext(ctx, s.q(`
SELECT `+memberColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`+s.dialect.forUpdate), roomID, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM memberships WHERE room_id = ? AND user_id = ?`), roomID, userID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return m, removed, err
}

func (s *Store) ResetMembers(ctx context.Context, roomID string) ([]store.Membership, error) {
	var out []store.Membership
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE memberships SET is_ready = ?, total_bet = 0, bet_details = '{}'
WHERE room_id = ?`), false, roomID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.q(`
SELECT `+memberColumns+` FROM memberships WHERE room_id = ?
ORDER BY joined_at ASC, user_id ASC`), roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectMembers(rows)
		return err
	})
	return out, err
}

// mutateMember runs fn on the locked row and writes the result back.
func (s *Store) mutateMember(ctx context.Context, roomID, userID string, fn func(m *store.Membership) error) (before, after store.Membership, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMember(tx.QueryRowContext(ctx, s.q(`
SELECT `+memberColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`+s.dialect.forUpdate), roomID, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return gameerr.ErrNotMember
		}
		if err != nil {
			return err
		}
		before = m.Clone()
		if err := fn(&m); err != nil {
			return err
		}
		m.TotalBet = m.BetDetails.Total()
		bets, err := encodeBets(m.BetDetails)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE memberships SET total_bet = ?, bet_details = ?
WHERE room_id = ? AND user_id = ?`), m.TotalBet, bets, roomID, userID); err != nil {
			return err
		}
		after = m
		return nil
	})
	return before, after, err
}

func (s *Store) AddStake(ctx context.Context, roomID, userID string, animal ledger.Animal, amount int64) (store.Membership, error) {
	_, after, err := s.mutateMember(ctx, roomID, userID, func(m *store.Membership) error {
		if m.BetDetails[animal]+amount < 0 {
			return store.ErrStakeUnderflow
		}
		m.BetDetails[animal] += amount
		return nil
	})
	return after, err
}

func (s *Store) SwapBets(ctx context.Context, roomID, userID string) (store.Membership, store.Membership, error) {
	return s.mutateMember(ctx, roomID, userID, func(m *store.Membership) error {
		m.ClearBets()
		return nil
	})
}

func (s *Store) CreateRound(ctx context.Context, r store.Round) error {
	outcome, err := encodeOutcome(r.Outcome)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.roomExists(ctx, tx, r.RoomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO rounds (`+roundColumns+`)
VALUES (?, ?, ?, ?, ?)`),
			r.ID, r.RoomID, string(r.Status), outcome, nanos(r.CreatedAt))
		return err
	})
}

func (s *Store) GetRound(ctx context.Context, roundID string) (store.Round, error) {
	r, err := scanRound(s.db.QueryRowContext(ctx, s.q(`SELECT `+roundColumns+` FROM rounds WHERE id = ?`), roundID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Round{}, store.ErrRoundNotFound
	}
	return r, err
}

func (s *Store) ActiveRound(ctx context.Context, roomID string) (*store.Round, error) {
	r, err := scanRound(s.db.QueryRowContext(ctx, s.q(`
SELECT `+roundColumns+` FROM rounds WHERE room_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`), roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) TransitionRound(ctx context.Context, roundID string, from, to store.RoundStatus, outcome []ledger.Animal) (store.Round, error) {
	if !to.HasOutcome() {
		outcome = nil
	}
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return store.Round{}, err
	}

	var r store.Round
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanRound(tx.QueryRowContext(ctx, s.q(`SELECT `+roundColumns+` FROM rounds WHERE id = ?`+s.dialect.forUpdate), roundID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		if current.Status != from {
			r = current
			return fmt.Errorf("%w: round %s is %s, expected %s", store.ErrStatusMismatch, roundID, current.Status, from)
		}
		if to.HasOutcome() && outcome == nil {
			// Keep the published outcome, e.g. revealed -> settled.
			encoded, err = encodeOutcome(current.Outcome)
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE rounds SET status = ?, outcome = ? WHERE id = ?`), string(to), encoded, roundID); err != nil {
			return err
		}
		r = current
		r.Status = to
		if to.HasOutcome() {
			if outcome != nil {
				r.Outcome = append([]ledger.Animal(nil), outcome...)
			}
		} else {
			r.Outcome = nil
		}
		return nil
	})
	return r, err
}

func (s *Store) Balance(ctx context.Context, userID string, initial int64) (int64, error) {
	if _, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO wallets (user_id, balance) VALUES (?, ?)
ON CONFLICT (user_id) DO NOTHING`), userID, initial); err != nil {
		return 0, err
	}
	var bal int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT balance FROM wallets WHERE user_id = ?`), userID).Scan(&bal)
	return bal, err
}

func (s *Store) AdjustBalance(ctx context.Context, adj store.Adjustment) (int64, bool, error) {
	var (
		bal     int64
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO wallets (user_id, balance) VALUES (?, 0)
ON CONFLICT (user_id) DO NOTHING`), adj.UserID); err != nil {
			return err
		}
		if adj.Key != "" {
			res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO wallet_adjustments (idempotency_key, user_id, delta, applied_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING`), adj.Key, adj.UserID, adj.Delta, nanos(time.Now()))
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return tx.QueryRowContext(ctx, s.q(`SELECT balance FROM wallets WHERE user_id = ?`), adj.UserID).Scan(&bal)
			}
		}
		err := tx.QueryRowContext(ctx, s.q(`
UPDATE wallets SET balance = balance + ?
WHERE user_id = ? AND balance + ? >= 0
RETURNING balance`), adj.Delta, adj.UserID, adj.Delta).Scan(&bal)
		if errors.Is(err, sql.ErrNoRows) {
			return gameerr.ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, gameerr.ErrInsufficientBalance) {
		if current, berr := s.Balance(ctx, adj.UserID, 0); berr == nil {
			bal = current
		}
	}
	return bal, applied, err
}
