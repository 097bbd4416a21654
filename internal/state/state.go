package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// State is the externally visible recording state.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Fail
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Starting:
		return "STARTING"
	case Recording:
		return "RECORDING"
	case Stopping:
		return "STOPPING"
	case Fail:
		return "FAIL"
	}
	return "UNKNOWN"
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Notification tags delivered alongside settled states.
const (
	TagStarted = "RECORDING_STARTED"
	TagStopped = "RECORDING_STOPPED"
	TagFail    = "RECORDING_FAIL"
)

// Event is one state transition.
type Event struct {
	State State     `json:"state"`
	Tag   string    `json:"tag,omitempty"`
	At    time.Time `json:"at"`
}

// subscriberBuffer is how many transitions a subscriber may lag behind before
// further events are dropped for it.
const subscriberBuffer = 16

// Publisher fans state transitions out to any number of subscribers. It never
// gates capture; the recorder's own flag is authoritative.
type Publisher struct {
	mu      sync.Mutex
	current State
	subs    map[chan Event]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{subs: map[chan Event]struct{}{}}
}

// Subscribe returns a channel of transitions and a function that cancels the
// subscription and closes the channel.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records s as the current state and notifies subscribers.
// Sends are non-blocking: a subscriber whose buffer is full misses the event.
func (p *Publisher) Publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.current
	p.current = s
	ev := Event{State: s, Tag: tagFor(prev, s), At: time.Now()}

	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("state subscriber lagging, event dropped", "state", s.String())
		}
	}
}

// Current returns the last published state.
func (p *Publisher) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func tagFor(prev, next State) string {
	switch next {
	case Recording:
		return TagStarted
	case Fail:
		return TagFail
	case Idle:
		if prev != Idle {
			return TagStopped
		}
	}
	return ""
}
