// Package slot implements the fixed-capacity table of in-flight readbacks.
//
// Each slot follows Idle → Requested → Copying → Ready and returns to Idle
// through Reset. Every allocation and reset bumps the slot generation, so an
// event scheduled for an earlier occupant of the slot can be recognized and
// dropped.
package slot

import (
	"errors"
	"fmt"

	"github.com/gogpu/readback/backend"
)

// Slot table errors.
var (
	// ErrTooManyRequests is returned when every slot is in use.
	ErrTooManyRequests = errors.New("slot: too many requests")

	// ErrCopyInProgress is returned when a key already holds a slot.
	ErrCopyInProgress = errors.New("slot: copy in progress")

	// ErrStale is returned when a slot has been reset since the caller
	// observed it.
	ErrStale = errors.New("slot: stale generation")

	// ErrInvalidTransition is returned for any transition other than the
	// next state in order.
	ErrInvalidTransition = errors.New("slot: invalid state transition")
)

// DefaultCapacity is the slot count used when none is configured.
const DefaultCapacity = 16

// State is the lifecycle state of a slot.
type State uint8

const (
	// Idle slots are free.
	Idle State = iota
	// Requested slots wait for the graphics thread to schedule the copy.
	Requested
	// Copying slots wait for the backend readiness signal.
	Copying
	// Ready slots hold staged data waiting to be retrieved.
	Ready
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Requested:
		return "Requested"
	case Copying:
		return "Copying"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// ID indexes a slot in its table.
type ID int

// Slot is a snapshot of one table entry.
type Slot struct {
	ID    ID
	Key   string
	State State
	Gen   uint64

	// Desc is the source layout at request time. Its byte size is the
	// size the staging resource and the caller's destination must match.
	Desc backend.Desc
}

// ByteSize returns the byte size recorded at request time.
func (s Slot) ByteSize() uint64 {
	return s.Desc.ByteSize()
}

// Table is a bounded set of slots keyed by resource.
//
// Table is not safe for concurrent use; the owner serializes access.
type Table struct {
	slots []Slot
	byKey map[string]ID
	gen   uint64
}

// NewTable creates a table with capacity slots. Non-positive capacity
// selects DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{
		slots: make([]Slot, capacity),
		byKey: make(map[string]ID, capacity),
	}
	for i := range t.slots {
		t.slots[i].ID = ID(i)
	}
	return t
}

// Allocate moves a free slot to Requested for key.
func (t *Table) Allocate(key string, desc backend.Desc) (Slot, error) {
	if id, ok := t.byKey[key]; ok {
		return Slot{}, fmt.Errorf("%w: %s is %v", ErrCopyInProgress, key, t.slots[id].State)
	}
	for i := range t.slots {
		s := &t.slots[i]
		if s.State != Idle {
			continue
		}
		t.gen++
		s.Key = key
		s.State = Requested
		s.Gen = t.gen
		s.Desc = desc
		t.byKey[key] = s.ID
		return *s, nil
	}
	return Slot{}, fmt.Errorf("%w: %d slots in use", ErrTooManyRequests, len(t.slots))
}

// Advance moves slot id from its current state to the next one. gen must
// match the generation observed by the caller.
func (t *Table) Advance(id ID, gen uint64, to State) error {
	s, err := t.at(id)
	if err != nil {
		return err
	}
	if s.Gen != gen || s.State == Idle {
		return ErrStale
	}
	if to != s.State+1 || to > Ready {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// Reset returns slot id to Idle. Resetting an idle slot is a no-op.
func (t *Table) Reset(id ID) {
	s, err := t.at(id)
	if err != nil || s.State == Idle {
		return
	}
	delete(t.byKey, s.Key)
	t.gen++
	s.Gen = t.gen
	s.Key = ""
	s.State = Idle
	s.Desc = backend.Desc{}
}

// Get returns a snapshot of slot id.
func (t *Table) Get(id ID) (Slot, bool) {
	s, err := t.at(id)
	if err != nil {
		return Slot{}, false
	}
	return *s, true
}

// Lookup returns the non-idle slot bound to key.
func (t *Table) Lookup(key string) (Slot, bool) {
	id, ok := t.byKey[key]
	if !ok {
		return Slot{}, false
	}
	return t.slots[id], true
}

// InUse returns the number of non-idle slots.
func (t *Table) InUse() int {
	return len(t.byKey)
}

// Cap returns the table capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}

// CountByState returns the number of slots in each state.
func (t *Table) CountByState() map[State]int {
	counts := make(map[State]int, 4)
	for i := range t.slots {
		counts[t.slots[i].State]++
	}
	return counts
}

// Active returns snapshots of all non-idle slots in ID order.
func (t *Table) Active() []Slot {
	out := make([]Slot, 0, len(t.byKey))
	for i := range t.slots {
		if t.slots[i].State != Idle {
			out = append(out, t.slots[i])
		}
	}
	return out
}

func (t *Table) at(id ID) (*Slot, error) {
	if id < 0 || int(id) >= len(t.slots) {
		return nil, fmt.Errorf("slot: id %d out of range", id)
	}
	return &t.slots[id], nil
}
