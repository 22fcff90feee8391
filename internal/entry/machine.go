// Package entry holds qualifying signals pending a timing confirmation. A
// pending entry either confirms inside its window or expires; expiry is
// terminal and produces no entry. There is no external cancel.
package entry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// State is the pending-entry lifecycle state.
type State int

const (
	Waiting State = iota
	Confirmed
	Expired
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// PendingEntry is a held signal awaiting confirmation. At most one exists
// per symbol.
type PendingEntry struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Signal    domain.TradeSignal `json:"signal"`
	CreatedAt time.Time          `json:"created_at"`
	Deadline  time.Time          `json:"deadline"`
	State     State              `json:"state"`
}

// Machine manages pending entries across symbols.
type Machine struct {
	mu      sync.Mutex
	cfg     config.EntryConfig
	pending map[string]*PendingEntry
	entropy *rand.Rand
}

func NewMachine(cfg config.EntryConfig) *Machine {
	return &Machine{
		cfg:     cfg,
		pending: make(map[string]*PendingEntry),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Arm holds a signal pending confirmation. A new signal for an already
// pending symbol is ignored, not queued or replaced; the second return is
// false in that case.
func (m *Machine) Arm(sig domain.TradeSignal, now time.Time) (*PendingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[sig.Symbol]; exists {
		return nil, false
	}

	pe := &PendingEntry{
		ID:        ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		Symbol:    sig.Symbol,
		Signal:    sig,
		CreatedAt: now,
		Deadline:  now.Add(m.cfg.ConfirmationWindow),
		State:     Waiting,
	}
	m.pending[sig.Symbol] = pe

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("pending_id", pe.ID).
		Time("deadline", pe.Deadline).
		Msg("entry armed pending confirmation")
	return pe, true
}

// Confirm consumes a pending entry whose timing condition was observed
// inside the window. Returns nil when there is nothing to confirm or the
// window has already closed.
func (m *Machine) Confirm(symbol string, now time.Time) *PendingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	pe, ok := m.pending[symbol]
	if !ok || pe.State != Waiting {
		return nil
	}
	if now.After(pe.Deadline) {
		// Late confirmation: the entry expires instead.
		pe.State = Expired
		delete(m.pending, symbol)
		return nil
	}

	pe.State = Confirmed
	delete(m.pending, symbol)
	return pe
}

// ExpireDue transitions every overdue pending entry to Expired exactly once
// and returns them. Expired symbols can be re-armed afterward.
func (m *Machine) ExpireDue(now time.Time) []*PendingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*PendingEntry
	for sym, pe := range m.pending {
		if now.After(pe.Deadline) {
			pe.State = Expired
			delete(m.pending, sym)
			expired = append(expired, pe)
			log.Debug().
				Str("symbol", sym).
				Str("pending_id", pe.ID).
				Str("tag", "entry_expired").
				Msg("pending entry expired unconfirmed")
		}
	}
	return expired
}

// Pending returns the live pending entry for a symbol, if any.
func (m *Machine) Pending(symbol string) (*PendingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.pending[symbol]
	return pe, ok
}

// Len reports the number of live pending entries.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
