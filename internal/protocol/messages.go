// Package protocol defines the JSON bodies exchanged over the HTTP API and
// the WebSocket push channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

// MessageType identifies a WebSocket message.
type MessageType string

const (
	// Server to client
	TypeSubscribed MessageType = "subscribed"
	TypeEvent      MessageType = "event"
	TypeError      MessageType = "error"
)

func (mt MessageType) String() string {
	return string(mt)
}

// Message is the envelope of every WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage wraps data in an envelope stamped with now.
func NewMessage(messageType MessageType, data any, now time.Time) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", messageType, err)
	}
	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: now,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// SubscribedData confirms a push subscription.
type SubscribedData struct {
	RoomID string `json:"roomId"`
}

// EventData is a store change event as pushed to clients.
type EventData = store.Event

// ErrorData is the body of every failed request and of error frames.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorData describes err for the wire.
func NewErrorData(err error) ErrorData {
	return ErrorData{Code: gameerr.Code(err), Message: err.Error()}
}

// Err turns a wire error back into an error that matches its kind
// with errors.Is.
func (e ErrorData) Err() error {
	kind := gameerr.FromCode(e.Code)
	if kind == nil {
		return errors.New(e.Message)
	}
	if e.Message == "" || e.Message == kind.Error() {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, e.Message)
}

// HTTP request and response bodies.

type CreateRoomRequest struct {
	MaxPlayers int `json:"maxPlayers,omitempty"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

type PlaceBetRequest struct {
	Animal    ledger.Animal `json:"animal"`
	Amount    int64         `json:"amount"`
	RequestID string        `json:"requestId,omitempty"`
}

type BetResponse struct {
	Member  store.Membership `json:"member"`
	Balance int64            `json:"balance"`
}

type LeaveResponse struct {
	Left       bool       `json:"left"`
	Refunded   int64      `json:"refunded"`
	HostChange string     `json:"hostChange"`
	Room       store.Room `json:"room"`
}

type AdjustBalanceRequest struct {
	Delta int64  `json:"delta"`
	Key   string `json:"key,omitempty"`
}

type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
	Applied bool   `json:"applied"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}
