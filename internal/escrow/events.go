package escrow

import (
	"sync"
	"time"

	"github.com/atmx/escrow-engine/internal/model"
)

// Event types published after a transition commits.
const (
	EventCreated   = "transaction.created"
	EventEscrowed  = "transaction.escrowed"
	EventCompleted = "transaction.completed"
	EventCancelled = "transaction.cancelled"
)

// Event describes one committed transition.
type Event struct {
	Type        string            `json:"type"`
	From        model.TxStatus    `json:"from,omitempty"`
	Transaction model.Transaction `json:"transaction"`
	At          time.Time         `json:"at"`
}

// Listener receives events. It must not block.
type Listener func(Event)

type emitter struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (e *emitter) subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, l := range e.listeners {
		l(ev)
	}
}

func eventType(to model.TxStatus) string {
	switch to {
	case model.TxPending:
		return EventCreated
	case model.TxInEscrow:
		return EventEscrowed
	case model.TxCompleted:
		return EventCompleted
	default:
		return EventCancelled
	}
}
