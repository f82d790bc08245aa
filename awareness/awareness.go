// Package awareness tracks ephemeral per-connection presence: who is in the
// room, which slide they look at, which element they selected. Presence is
// room-scoped mutable state outside the replicated document: it is never
// persisted, each update replaces the previous record whole, and a client's
// record is cleared the instant its connection closes.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cvkhang/SlideQuick/wire"
)

// User identifies a participant for cursors and presence lists.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is one client's presence record.
type State struct {
	User              User   `json:"user"`
	SelectedElementID string `json:"selectedElementId,omitempty"`
	SlideID           string `json:"slideId,omitempty"`
}

type entry struct {
	clock uint64
	state *State // nil = removed
}

// Set holds the presence records of one room (or one client's view of it).
// Safe for concurrent use.
type Set struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewSet returns an empty presence set.
func NewSet() *Set {
	return &Set{entries: make(map[string]entry)}
}

// A payload is a sequence of presence entries:
//
//	uvarint n, then n × (string clientID, uvarint clock, block json)
//
// An empty json block means the client's record was removed.

func encodeEntries(ids []string, get func(id string) (uint64, *State)) []byte {
	w := wire.NewWriter()
	w.Uvarint(uint64(len(ids)))
	for _, id := range ids {
		clock, st := get(id)
		w.String(id)
		w.Uvarint(clock)
		if st == nil {
			w.Block(nil)
		} else {
			raw, _ := json.Marshal(st)
			w.Block(raw)
		}
	}
	return w.Bytes()
}

// Apply merges an encoded payload. An entry applies only when its clock is
// newer than what the set already has; stale entries are ignored, so replays
// and reordered payloads are harmless. It returns the ids whose visible
// state changed.
func (s *Set) Apply(payload []byte) ([]string, error) {
	r := wire.NewReader(payload)
	n, err := r.Uvarint()
	if err != nil {
		return nil, fmt.Errorf("awareness: %w", err)
	}
	var changed []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		id, err := r.String()
		if err != nil {
			return changed, fmt.Errorf("awareness: %w", err)
		}
		clock, err := r.Uvarint()
		if err != nil {
			return changed, fmt.Errorf("awareness: %w", err)
		}
		raw, err := r.Block()
		if err != nil {
			return changed, fmt.Errorf("awareness: %w", err)
		}
		var st *State
		if len(raw) > 0 {
			st = new(State)
			if err := json.Unmarshal(raw, st); err != nil {
				return changed, fmt.Errorf("awareness: bad state for %s: %w", id, err)
			}
		}
		cur, ok := s.entries[id]
		if ok && clock <= cur.clock {
			continue
		}
		s.entries[id] = entry{clock: clock, state: st}
		if !ok && st == nil {
			continue // removal of someone we never saw
		}
		changed = append(changed, id)
	}
	return changed, nil
}

// Set replaces the local client's record and returns the payload to
// broadcast. Records are replaced whole, never merged.
func (s *Set) Set(clientID string, st State) []byte {
	s.mu.Lock()
	clock := s.entries[clientID].clock + 1
	stCopy := st
	s.entries[clientID] = entry{clock: clock, state: &stCopy}
	s.mu.Unlock()
	return encodeEntries([]string{clientID}, func(string) (uint64, *State) {
		return clock, &stCopy
	})
}

// Remove clears a client's record and returns the removal payload to
// broadcast, or nil if the client had no record.
func (s *Set) Remove(clientID string) []byte {
	s.mu.Lock()
	cur, ok := s.entries[clientID]
	if !ok || cur.state == nil {
		s.mu.Unlock()
		return nil
	}
	clock := cur.clock + 1
	s.entries[clientID] = entry{clock: clock, state: nil}
	s.mu.Unlock()
	return encodeEntries([]string{clientID}, func(string) (uint64, *State) {
		return clock, nil
	})
}

// EncodeAll returns a payload carrying every live record, for bootstrapping
// a newly bound connection. Nil when the room is empty.
func (s *Set) EncodeAll() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return encodeEntries(ids, func(id string) (uint64, *State) {
		e := s.entries[id]
		return e.clock, e.state
	})
}

// States returns a copy of all live records keyed by client id.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State)
	for id, e := range s.entries {
		if e.state != nil {
			out[id] = *e.state
		}
	}
	return out
}

// Len reports the number of live records.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}
