package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/protocol"
	"github.com/lox/baucua/internal/server" // Reuse the identity header
	"github.com/lox/baucua/internal/store"
)

const (
	// Time allowed between server pings before the stream is considered dead
	pingWait = 70 * time.Second

	// Time allowed to write a control frame
	writeWait = 10 * time.Second

	eventBuffer = 64
)

// Client talks to a room server on behalf of one user. It implements
// reconcile.Source and settlement.Wallet.
type Client struct {
	serverURL *url.URL
	userID    string
	http      *http.Client
	dialer    *websocket.Dialer
	timeout   time.Duration
	logger    *log.Logger
}

// NewClient creates a client for userID. Every HTTP request is bounded by
// timeout.
func NewClient(serverURL, userID string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", serverURL)
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		serverURL: u,
		userID:    userID,
		http:      &http.Client{Timeout: timeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: timeout},
		timeout:   timeout,
		logger:    logger.WithPrefix("client").With("user", userID),
	}, nil
}

// UserID returns the identity the client acts as.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) endpoint(path string) string {
	u := *c.serverURL
	u.Path = path
	return u.String()
}

// do sends one JSON request. Server error bodies come back as their error
// kind; anything that prevented an answer is wrapped in gameerr.ErrNetwork.
func (c *Client) do(ctx context.Context, method, path string, body, into any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set(server.UserHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", gameerr.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.responseError(resp)
	}
	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", gameerr.ErrNetwork, method, path, err)
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	var e protocol.ErrorData
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: server returned %s", gameerr.ErrNetwork, resp.Status)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	err := e.Err()
	if gameerr.Code(err) == gameerr.CodeInternal {
		// Server faults heal on a later attempt just like transport errors.
		return fmt.Errorf("%w: %v", gameerr.ErrNetwork, err)
	}
	return err
}

func roomPath(roomID, suffix string) string {
	return "/rooms/" + url.PathEscape(roomID) + suffix
}

// CreateRoom creates a room hosted by this user. Zero maxPlayers takes the
// server default.
func (c *Client) CreateRoom(ctx context.Context, maxPlayers int) (store.Room, error) {
	var room store.Room
	err := c.do(ctx, http.MethodPost, "/rooms", protocol.CreateRoomRequest{MaxPlayers: maxPlayers}, &room)
	return room, err
}

// ListRooms returns the open rooms, newest first.
func (c *Client) ListRooms(ctx context.Context) ([]store.RoomSummary, error) {
	var rooms []store.RoomSummary
	err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms)
	return rooms, err
}

// JoinRoom joins the room with the given code.
func (c *Client) JoinRoom(ctx context.Context, code string) (store.Room, error) {
	var room store.Room
	err := c.do(ctx, http.MethodPost, "/rooms/join", protocol.JoinRoomRequest{Code: code}, &room)
	return room, err
}

// Snapshot fetches the full state of a room.
func (c *Client) Snapshot(ctx context.Context, roomID string) (store.Snapshot, error) {
	var snap store.Snapshot
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "/snapshot"), nil, &snap)
	return snap, err
}

// Round fetches one round of a room, including finished ones.
func (c *Client) Round(ctx context.Context, roomID, roundID string) (store.Round, error) {
	var r store.Round
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "/rounds/"+url.PathEscape(roundID)), nil, &r)
	return r, err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) (protocol.LeaveResponse, error) {
	var res protocol.LeaveResponse
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/leave"), nil, &res)
	return res, err
}

func (c *Client) ToggleReady(ctx context.Context, roomID string) (store.Membership, error) {
	var m store.Membership
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/ready"), nil, &m)
	return m, err
}

// PlaceBet stakes amount on animal. Retrying with the same requestID debits
// the wallet once; an empty requestID gets a fresh one.
func (c *Client) PlaceBet(ctx context.Context, roomID string, animal ledger.Animal, amount int64, requestID string) (protocol.BetResponse, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	var res protocol.BetResponse
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/bets"), protocol.PlaceBetRequest{
		Animal:    animal,
		Amount:    amount,
		RequestID: requestID,
	}, &res)
	return res, err
}

func (c *Client) ClearBets(ctx context.Context, roomID string) (protocol.BetResponse, error) {
	var res protocol.BetResponse
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/bets/clear"), nil, &res)
	return res, err
}

func (c *Client) StartRound(ctx context.Context, roomID string) (store.Round, error) {
	var r store.Round
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/rounds"), nil, &r)
	return r, err
}

func (c *Client) Roll(ctx context.Context, roomID string) (store.Round, error) {
	var r store.Round
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/roll"), nil, &r)
	return r, err
}

// Balance returns the user's wallet balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var res protocol.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/wallets/me", nil, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// AdjustBalance applies delta to the user's wallet. A repeated non-empty key
// is a no-op reporting applied=false.
func (c *Client) AdjustBalance(ctx context.Context, delta int64, key string) (int64, bool, error) {
	var res protocol.BalanceResponse
	err := c.do(ctx, http.MethodPost, "/wallets/me/adjust", protocol.AdjustBalanceRequest{Delta: delta, Key: key}, &res)
	if err != nil {
		return 0, false, err
	}
	return res.Balance, res.Applied, nil
}

// Credit implements settlement.Wallet. A client can only credit itself.
func (c *Client) Credit(ctx context.Context, userID string, amount int64, key string) (int64, bool, error) {
	if userID != c.userID {
		return 0, false, fmt.Errorf("%w: cannot credit %s as %s", gameerr.ErrInvalidRequest, userID, c.userID)
	}
	return c.AdjustBalance(ctx, amount, key)
}

func (c *Client) wsURL(roomID string) string {
	u := *c.serverURL

	// Convert http/https to ws/wss
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"room": {roomID}}.Encode()
	return u.String()
}

// Subscribe opens the push stream for a room. The returned channel is closed
// when the connection drops or ctx is done.
func (c *Client) Subscribe(ctx context.Context, roomID string) (<-chan store.Event, error) {
	header := http.Header{}
	header.Set(server.UserHeader, c.userID)

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(roomID), header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			defer resp.Body.Close()
			return nil, c.responseError(resp)
		}
		return nil, fmt.Errorf("%w: subscribe to room %s: %v", gameerr.ErrNetwork, roomID, err)
	}

	if err := c.awaitSubscribed(conn, roomID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	events := make(chan store.Event, eventBuffer)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close() // Unblocks the read pump
	}()
	go c.readPump(ctx, conn, events, done)

	c.logger.Debug("Subscribed to room", "room", roomID)
	return events, nil
}

func (c *Client) awaitSubscribed(conn *websocket.Conn, roomID string) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("%w: subscribe to room %s: %v", gameerr.ErrNetwork, roomID, err)
	}
	switch msg.Type {
	case protocol.TypeSubscribed:
		return nil
	case protocol.TypeError:
		var e protocol.ErrorData
		if err := msg.Decode(&e); err != nil {
			return err
		}
		return e.Err()
	default:
		return fmt.Errorf("%w: unexpected %s before subscription", gameerr.ErrNetwork, msg.Type)
	}
}

// readPump handles incoming messages from the server
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, events chan<- store.Event, done chan struct{}) {
	defer close(events)
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", "error", err)
			}
			return
		}

		c.logger.Debug("Received message", "type", msg.Type)

		switch msg.Type {
		case protocol.TypeEvent:
			var ev protocol.EventData
			if err := msg.Decode(&ev); err != nil {
				c.logger.Warn("Dropping malformed event", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		case protocol.TypeError:
			var e protocol.ErrorData
			if err := msg.Decode(&e); err == nil {
				c.logger.Warn("Server reported error", "code", e.Code, "message", e.Message)
			}
		}
	}
}
