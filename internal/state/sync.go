package state

import (
	"log/slog"
	"sync"
)

// Synchronizer holds the latest reconciled snapshot and notifies
// subscribers on every update. It keeps exactly one current and at most
// one previous snapshot; the previous one exists only after the first
// update has been processed.
type Synchronizer struct {
	mu       sync.Mutex
	current  *Snapshot
	previous *Snapshot
	online   bool

	events *EventBus
	logger *slog.Logger
}

// NewSynchronizer creates a synchronizer publishing on the given bus.
func NewSynchronizer(events *EventBus, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		events: events,
		logger: logger.With("component", "state"),
	}
}

// Apply reconciles a new snapshot from the given source. Positional
// differences against the previous snapshot are reported as discrete
// change events; they are observational only and never block delivery
// of the new snapshot.
func (s *Synchronizer) Apply(snap *Snapshot, src Source) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	if s.previous == nil {
		s.current = snap.Clone()
		s.previous = snap.Clone()
		s.online = true
		s.mu.Unlock()
		s.logger.Info("initial state received", "source", src,
			"areas", len(snap.Areas), "zones", len(snap.Zones))
		s.events.EmitSnapshot(snap.Clone())
		return
	}

	changes := diff(s.previous, snap)
	s.current = snap.Clone()
	// Next comparison is against this call's result, not an earlier one.
	s.previous = snap.Clone()
	s.online = true
	s.mu.Unlock()

	for _, c := range changes {
		s.logChange(c, src)
		s.events.EmitChange(c)
	}
	s.events.EmitSnapshot(snap.Clone())
}

// Current returns a copy of the latest snapshot, or nil before the
// first observation.
func (s *Synchronizer) Current() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Online reports whether a state update has been received and the
// panel is considered reachable.
func (s *Synchronizer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline overrides the reachability flag. A failed poll leaves the
// flag untouched; callers use this only for explicit offline marking.
func (s *Synchronizer) SetOnline(v bool) {
	s.mu.Lock()
	s.online = v
	s.mu.Unlock()
}

func (s *Synchronizer) logChange(c Change, src Source) {
	switch c.Field {
	case FieldAreas:
		s.logger.Info("area changed", "index", c.Index,
			"from", AreaLabel(c.Old), "to", AreaLabel(c.New), "source", src)
	case FieldZones:
		s.logger.Info("zone changed", "index", c.Index,
			"from", ZoneLabel(c.Old), "to", ZoneLabel(c.New), "source", src)
	case FieldUkeys:
		s.logger.Info("utility key changed", "index", c.Index,
			"from", UkeyLabel(c.Old), "to", UkeyLabel(c.New), "source", src)
	default:
		s.logger.Info("output changed", "index", c.Index,
			"from", c.Old, "to", c.New, "source", src)
	}
}

// diff computes positional differences across all four array fields.
// Indexes present in only one snapshot are compared against the empty
// code, so growth or shrinkage of a list is reported too.
func diff(prev, next *Snapshot) []Change {
	var changes []Change
	changes = appendDiff(changes, FieldAreas, prev.Areas, next.Areas)
	changes = appendDiff(changes, FieldZones, prev.Zones, next.Zones)
	changes = appendDiff(changes, FieldPGM, prev.PGM, next.PGM)
	changes = appendDiff(changes, FieldUkeys, prev.Ukeys, next.Ukeys)
	return changes
}

func appendDiff(changes []Change, field string, prev, next []string) []Change {
	n := len(prev)
	if len(next) > n {
		n = len(next)
	}
	for i := 0; i < n; i++ {
		var oldCode, newCode string
		if i < len(prev) {
			oldCode = prev[i]
		}
		if i < len(next) {
			newCode = next[i]
		}
		if oldCode != newCode {
			changes = append(changes, Change{Field: field, Index: i, Old: oldCode, New: newCode})
		}
	}
	return changes
}
