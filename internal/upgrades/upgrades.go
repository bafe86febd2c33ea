// Package upgrades implements the replay semantics of a folder's upgrade log.
//
// A folder's key state is never stored directly; it is the result of
// replaying its append-only log from empty. Sequence numbers are contiguous
// from 0. Apply is compare-and-append: an entry at the current length is
// validated and appended, an exact duplicate of an applied entry is a no-op,
// anything else is a conflict.
package upgrades

import (
	"fmt"
	"slices"
	"sort"
	"time"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

// Operation is the kind of key-state change an upgrade records.
type Operation string

const (
	OpCreate  Operation = "Create"
	OpGrant   Operation = "Grant"
	OpRevoke  Operation = "Revoke"
	OpRotate  Operation = "Rotate"
	OpArchive Operation = "Archive"
)

// Reasons recorded on Grant and Rotate entries.
const (
	ReasonRevoke  = "revoke"
	ReasonManual  = "manual"
	ReasonRewrap  = "rewrap"
	ReasonRegrant = "regrant"
)

// Upgrade is one immutable entry of a folder's upgrade log.
type Upgrade struct {
	Sequence    int       `json:"sequence_number"`
	Operation   Operation `json:"operation"`
	PrincipalID string    `json:"principal_id,omitempty"`
	KeyID       string    `json:"key_id,omitempty"`
	// Holders is the full envelope set after a Rotate, or the holders a
	// subfolder takes over from its parent at Create.
	Holders   []string  `json:"holders,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Equal reports whether two entries are the same logical upgrade.
func (u Upgrade) Equal(o Upgrade) bool {
	return u.Sequence == o.Sequence &&
		u.Operation == o.Operation &&
		u.PrincipalID == o.PrincipalID &&
		u.KeyID == o.KeyID &&
		u.Reason == o.Reason &&
		u.Timestamp.Equal(o.Timestamp) &&
		slices.Equal(u.Holders, o.Holders)
}

// Log is a folder's ordered upgrade log.
type Log []Upgrade

// Next returns the sequence number the next entry must carry.
func (l Log) Next() int { return len(l) }

// Status is the lifecycle state of a folder.
type Status string

const (
	StatusUninitialized Status = "Uninitialized"
	StatusActive        Status = "Active"
	StatusRotating      Status = "Rotating"
	StatusArchived      Status = "Archived"
)

// State is the key state obtained by replaying a log.
type State struct {
	Status Status
	// KeyID is the folder's current content key.
	KeyID string
	// Generation counts content keys: 1 after Create, +1 per Rotate.
	Generation int
	// Length is the number of entries replayed.
	Length  int
	holders map[string]struct{}
}

// Holders returns the principals that hold an envelope, sorted.
func (s State) Holders() []string {
	out := make([]string, 0, len(s.holders))
	for id := range s.holders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Holds reports whether principalID holds an envelope for the current key.
func (s State) Holds(principalID string) bool {
	_, ok := s.holders[principalID]
	return ok
}

// Replay computes the state of log from empty, validating every entry.
func Replay(log Log) (State, error) {
	st := State{Status: StatusUninitialized, holders: map[string]struct{}{}}
	for i, up := range log {
		if up.Sequence != i {
			return State{}, fmt.Errorf("%w: entry %d carries sequence %d", terrors.ErrKeyRotationConflict, i, up.Sequence)
		}
		if err := step(&st, up); err != nil {
			return State{}, err
		}
	}
	return st, nil
}

// Apply appends up to log if it is the next entry and valid against the
// replayed state. Re-applying an entry already in the log is a no-op.
// The returned Log shares no backing array with the input.
func Apply(log Log, up Upgrade) (Log, State, error) {
	if up.Sequence < len(log) {
		if log[up.Sequence].Equal(up) {
			st, err := Replay(log)
			return slices.Clone(log), st, err
		}
		return nil, State{}, fmt.Errorf("%w: sequence %d already holds a different %s entry",
			terrors.ErrKeyRotationConflict, up.Sequence, log[up.Sequence].Operation)
	}
	if up.Sequence > len(log) {
		return nil, State{}, fmt.Errorf("%w: sequence %d skips ahead of log length %d",
			terrors.ErrKeyRotationConflict, up.Sequence, len(log))
	}

	st, err := Replay(log)
	if err != nil {
		return nil, State{}, err
	}
	if err := step(&st, up); err != nil {
		return nil, State{}, err
	}

	next := make(Log, len(log), len(log)+1)
	copy(next, log)
	return append(next, up), st, nil
}

func step(st *State, up Upgrade) error {
	conflict := func(format string, args ...any) error {
		return fmt.Errorf("%w: sequence %d: %s", terrors.ErrKeyRotationConflict, up.Sequence, fmt.Sprintf(format, args...))
	}

	if st.Status == StatusArchived {
		return conflict("folder is archived")
	}
	if up.Operation != OpCreate && st.Status == StatusUninitialized {
		return conflict("%s before Create", up.Operation)
	}

	switch up.Operation {
	case OpCreate:
		if up.Sequence != 0 || st.Status != StatusUninitialized {
			return conflict("Create must be the first entry")
		}
		if up.PrincipalID == "" || up.KeyID == "" {
			return conflict("Create needs an owner and a key id")
		}
		st.Status = StatusActive
		st.KeyID = up.KeyID
		st.Generation = 1
		st.holders[up.PrincipalID] = struct{}{}
		for _, id := range up.Holders {
			st.holders[id] = struct{}{}
		}

	case OpGrant:
		if up.PrincipalID == "" {
			return conflict("Grant without principal")
		}
		if up.KeyID != st.KeyID {
			return conflict("Grant under key %s, current key is %s", up.KeyID, st.KeyID)
		}
		st.holders[up.PrincipalID] = struct{}{}

	case OpRevoke:
		if up.KeyID != st.KeyID {
			return conflict("Revoke under key %s, current key is %s", up.KeyID, st.KeyID)
		}
		if _, ok := st.holders[up.PrincipalID]; !ok {
			return conflict("%s holds no envelope", up.PrincipalID)
		}
		if len(st.holders) == 1 {
			return conflict("cannot revoke the last holder")
		}
		delete(st.holders, up.PrincipalID)

	case OpRotate:
		if up.KeyID == "" || up.KeyID == st.KeyID {
			return conflict("Rotate must introduce a new key")
		}
		if len(up.Holders) == 0 {
			return conflict("Rotate leaves no holders")
		}
		next := make(map[string]struct{}, len(up.Holders))
		for _, id := range up.Holders {
			if _, ok := st.holders[id]; !ok {
				return conflict("Rotate wraps for %s who held no envelope", id)
			}
			next[id] = struct{}{}
		}
		st.holders = next
		st.KeyID = up.KeyID
		st.Generation++

	case OpArchive:
		st.Status = StatusArchived

	default:
		return conflict("unknown operation %q", up.Operation)
	}

	st.Length = up.Sequence + 1
	return nil
}

// CatchUpResult tells a principal what changed since the log position it
// last saw.
type CatchUpResult struct {
	PrincipalID string
	HasAccess   bool
	KeyID       string
	Generation  int
	// Sequence is the log length the result reflects.
	Sequence int
	// Since holds the entries after fromSequence that affect the principal:
	// its own Grant/Revoke entries and every Rotate or Archive.
	Since []Upgrade
	// Reissued is true when the folder key changed since fromSequence.
	Reissued bool
}

// CatchUp replays log and reports the principal's access as of the head,
// relative to a view that was consistent up to fromSequence.
func CatchUp(log Log, principalID string, fromSequence int) (CatchUpResult, error) {
	if fromSequence < 0 {
		fromSequence = 0
	}
	if fromSequence > len(log) {
		return CatchUpResult{}, fmt.Errorf("%w: caller saw sequence %d, log has %d entries",
			terrors.ErrKeyRotationConflict, fromSequence, len(log))
	}

	before, err := Replay(log[:fromSequence])
	if err != nil {
		return CatchUpResult{}, err
	}
	head, err := Replay(log)
	if err != nil {
		return CatchUpResult{}, err
	}

	res := CatchUpResult{
		PrincipalID: principalID,
		HasAccess:   head.Holds(principalID),
		KeyID:       head.KeyID,
		Generation:  head.Generation,
		Sequence:    head.Length,
		Reissued:    before.KeyID != head.KeyID,
	}
	for _, up := range log[fromSequence:] {
		switch up.Operation {
		case OpRotate, OpArchive, OpCreate:
			res.Since = append(res.Since, up)
		case OpGrant, OpRevoke:
			if up.PrincipalID == principalID {
				res.Since = append(res.Since, up)
			}
		}
	}
	return res, nil
}
