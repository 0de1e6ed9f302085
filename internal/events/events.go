package events

import (
	"sync"
	"time"
)

// Kind classifies controller events. Fault and limit trips are distinct
// kinds so observers can tell a driver fault from a normal endstop hit.
type Kind int

const (
	Fault Kind = iota
	Limit
	Timeout
	MoveDone
	MoveAborted
	VelocityStopped
)

func (k Kind) String() string {
	switch k {
	case Fault:
		return "fault"
	case Limit:
		return "limit"
	case Timeout:
		return "timeout"
	case MoveDone:
		return "move_done"
	case MoveAborted:
		return "move_aborted"
	case VelocityStopped:
		return "velocity_stopped"
	default:
		return "unknown"
	}
}

// Event is a single controller notification.
type Event struct {
	Kind Kind
	Time time.Time
	Msg  string
}

// Broadcaster distributes events to multiple subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives published events and a
// cleanup function. The caller must call the returned cleanup when done.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Publish sends an event to all subscribers.
// Slow subscribers may miss events (non-blocking, buffered).
func (b *Broadcaster) Publish(kind Kind, msg string) {
	evt := Event{
		Kind: kind,
		Time: time.Now(),
		Msg:  msg,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// channel full, skip
		}
	}
}
