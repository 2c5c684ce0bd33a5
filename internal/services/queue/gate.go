package queue

import (
	"sync"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/models"
)

// StatusGate aggregates live environmental signals into the single queue
// status and notifies subscribers on change. Signals arrive through
// explicit setters so the state machine is testable without a
// notification bus.
type StatusGate struct {
	logger *events.Logger

	mu           sync.Mutex
	requireWifi  bool
	connectivity models.ConnectivityClass
	registered   bool
	foregrounded bool
	lowBattery   bool
	lowDisk      bool
	storeEmpty   bool
	current      models.QueueStatus

	subs    map[int]chan models.QueueStatus
	nextSub int
}

// NewStatusGate creates a gate with optimistic initial signals: wifi
// connectivity, registered, foregrounded, store not empty.
func NewStatusGate(requireWifi bool, logger *events.Logger) *StatusGate {
	g := &StatusGate{
		logger:       logger.WithField("component", "status_gate"),
		requireWifi:  requireWifi,
		connectivity: models.ConnectivityWifi,
		registered:   true,
		foregrounded: true,
		subs:         make(map[int]chan models.QueueStatus),
	}
	g.current = g.resolve()
	return g
}

// Status returns the current aggregate status.
func (g *StatusGate) Status() models.QueueStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Connectivity returns the last reported network class.
func (g *StatusGate) Connectivity() models.ConnectivityClass {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectivity
}

// Subscribe returns a channel of status transitions and a cancel func.
// Slow subscribers miss intermediate transitions rather than blocking the
// gate.
func (g *StatusGate) Subscribe() (<-chan models.QueueStatus, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan models.QueueStatus, 8)
	g.subs[id] = ch

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SetConnectivity reports a network class change.
func (g *StatusGate) SetConnectivity(c models.ConnectivityClass) {
	g.update(func() { g.connectivity = c })
}

// SetRegistered reports registration readiness.
func (g *StatusGate) SetRegistered(v bool) {
	g.update(func() { g.registered = v })
}

// SetForegrounded reports app lifecycle state.
func (g *StatusGate) SetForegrounded(v bool) {
	g.update(func() { g.foregrounded = v })
}

// SetBatteryLow reports battery headroom.
func (g *StatusGate) SetBatteryLow(v bool) {
	g.update(func() { g.lowBattery = v })
}

// SetDiskLow reports disk headroom.
func (g *StatusGate) SetDiskLow(v bool) {
	g.update(func() { g.lowDisk = v })
}

// SetStoreEmpty reports whether the task store has pending work.
func (g *StatusGate) SetStoreEmpty(v bool) {
	g.update(func() { g.storeEmpty = v })
}

func (g *StatusGate) update(apply func()) {
	g.mu.Lock()

	apply()
	next := g.resolve()
	if next == g.current {
		g.mu.Unlock()
		return
	}

	prev := g.current
	g.current = next

	for _, ch := range g.subs {
		select {
		case ch <- next:
		default:
		}
	}
	g.mu.Unlock()

	g.logger.WithFields(map[string]interface{}{
		"from": prev,
		"to":   next,
	}).Info("Queue status changed")
}

// resolve picks the single active status. Hard blocking conditions win
// over soft ones; the order here is the contract.
func (g *StatusGate) resolve() models.QueueStatus {
	switch {
	case !g.registered:
		return models.StatusNotRegistered
	case g.storeEmpty:
		return models.StatusEmpty
	case g.lowDisk:
		return models.StatusLowDiskSpace
	case g.lowBattery:
		return models.StatusLowBattery
	case g.requireWifi && g.connectivity != models.ConnectivityWifi:
		return models.StatusNoWifi
	case g.connectivity == models.ConnectivityNone:
		return models.StatusNoConnectivity
	case !g.foregrounded:
		return models.StatusAppBackgrounded
	default:
		return models.StatusRunning
	}
}
