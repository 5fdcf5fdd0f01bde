package store

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// EventKind names a change to one record.
type EventKind string

const (
	RoomCreated        EventKind = "room_created"
	RoomUpdated        EventKind = "room_updated"
	RoomDeleted        EventKind = "room_deleted"
	MembershipInserted EventKind = "membership_inserted"
	MembershipUpdated  EventKind = "membership_updated"
	MembershipDeleted  EventKind = "membership_deleted"
	RoundInserted      EventKind = "round_inserted"
	RoundUpdated       EventKind = "round_updated"
)

// Event carries the new value of the affected record. For deletions it carries
// the last value. Seq is assigned by the broker in commit order.
type Event struct {
	Seq        uint64      `json:"seq"`
	Kind       EventKind   `json:"kind"`
	RoomID     string      `json:"roomId"`
	Room       *Room       `json:"room,omitempty"`
	Membership *Membership `json:"membership,omitempty"`
	Round      *Round      `json:"round,omitempty"`
	At         time.Time   `json:"at"`
}

const subscriberBuffer = 64

type subscriber struct {
	roomID string
	ch     chan Event
}

// Broker fans change events out to subscribers. Delivery is best effort: a
// subscriber whose buffer is full misses the event, and relies on polling to
// catch up.
type Broker struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*subscriber]struct{}
	logger *log.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *log.Logger) *Broker {
	return &Broker{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.WithPrefix("broker"),
	}
}

// Subscribe returns a channel of events for roomID. An empty roomID receives
// events for every room. The returned cancel func closes the channel and is
// safe to call more than once.
func (b *Broker) Subscribe(roomID string) (<-chan Event, func()) {
	sub := &subscriber{roomID: roomID, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish assigns the next sequence number to ev and delivers it.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	for sub := range b.subs {
		if sub.roomID != "" && sub.roomID != ev.RoomID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Subscriber buffer full, dropping event", "room", ev.RoomID, "kind", ev.Kind, "seq", ev.Seq)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
