/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package realtime

import (
	"maps"
	"slices"
)

// Presence is one tracked client's payload plus the server-assigned
// presence_ref identifying this occurrence.
type Presence = map[string]any

// PresenceState maps presence keys to the presences currently sharing
// that key.
type PresenceState map[string][]Presence

// presenceJoin describes presences added under a key. Current holds the
// presences that were already there before the join.
type presenceJoin struct {
	key     string
	current []Presence
	joined  []Presence
}

// presenceLeave describes presences removed under a key. Current holds
// the presences remaining after the removal.
type presenceLeave struct {
	key     string
	current []Presence
	left    []Presence
}

// presenceTracker folds presence_state snapshots and presence_diff deltas
// into a local state. Diffs that arrive before the snapshot of the current
// join cycle are queued and replayed once the snapshot lands. The channel
// guards the tracker with its own mutex.
type presenceTracker struct {
	state        PresenceState
	pendingDiffs []map[string]any
	joinRef      string
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{state: make(PresenceState)}
}

// handleState applies a full snapshot for the given join cycle and
// replays queued diffs.
func (p *presenceTracker) handleState(raw map[string]any, joinRef string) (joins []presenceJoin, leaves []presenceLeave) {
	p.joinRef = joinRef
	joins, leaves = p.syncState(raw)
	for _, diff := range p.pendingDiffs {
		j, l := p.syncDiff(diff)
		joins = append(joins, j...)
		leaves = append(leaves, l...)
	}
	p.pendingDiffs = nil
	return joins, leaves
}

// handleDiff applies a delta, or queues it when it raced ahead of the
// snapshot for the current join cycle.
func (p *presenceTracker) handleDiff(raw map[string]any, joinRef string) (joins []presenceJoin, leaves []presenceLeave, deferred bool) {
	if p.joinRef == "" || p.joinRef != joinRef {
		p.pendingDiffs = append(p.pendingDiffs, raw)
		return nil, nil, true
	}
	joins, leaves = p.syncDiff(raw)
	return joins, leaves, false
}

// syncState diffs the incoming snapshot against the local state. Keys
// absent from the snapshot leave entirely, and within surviving keys
// presences are matched by presence_ref.
func (p *presenceTracker) syncState(raw map[string]any) (joins []presenceJoin, leaves []presenceLeave) {
	incoming := transformPresenceState(raw)
	joinDiff := make(PresenceState)
	leaveDiff := make(PresenceState)

	for key, presences := range p.state {
		if _, ok := incoming[key]; !ok {
			leaveDiff[key] = presences
		}
	}
	for key, newPresences := range incoming {
		current, ok := p.state[key]
		if !ok {
			joinDiff[key] = newPresences
			continue
		}
		currentRefs := presenceRefs(current)
		newRefs := presenceRefs(newPresences)
		var joined, left []Presence
		for _, presence := range newPresences {
			if !currentRefs[presenceRef(presence)] {
				joined = append(joined, presence)
			}
		}
		for _, presence := range current {
			if !newRefs[presenceRef(presence)] {
				left = append(left, presence)
			}
		}
		if len(joined) > 0 {
			joinDiff[key] = joined
		}
		if len(left) > 0 {
			leaveDiff[key] = left
		}
	}
	return p.applyDiff(joinDiff, leaveDiff)
}

func (p *presenceTracker) syncDiff(raw map[string]any) (joins []presenceJoin, leaves []presenceLeave) {
	joinDiff := transformPresenceState(asMap(raw["joins"]))
	leaveDiff := transformPresenceState(asMap(raw["leaves"]))
	return p.applyDiff(joinDiff, leaveDiff)
}

func (p *presenceTracker) applyDiff(joinDiff, leaveDiff PresenceState) (joins []presenceJoin, leaves []presenceLeave) {
	for _, key := range slices.Sorted(maps.Keys(joinDiff)) {
		newPresences := joinDiff[key]
		current := p.state[key]
		merged := clonePresences(newPresences)
		if len(current) > 0 {
			// Existing presences not replaced by the join keep
			// their position ahead of the new ones.
			newRefs := presenceRefs(merged)
			var kept []Presence
			for _, presence := range current {
				if !newRefs[presenceRef(presence)] {
					kept = append(kept, presence)
				}
			}
			merged = append(kept, merged...)
		}
		p.state[key] = merged
		joins = append(joins, presenceJoin{key: key, current: current, joined: newPresences})
	}
	for _, key := range slices.Sorted(maps.Keys(leaveDiff)) {
		leftPresences := leaveDiff[key]
		current, ok := p.state[key]
		if !ok {
			continue
		}
		removed := presenceRefs(leftPresences)
		var remaining []Presence
		for _, presence := range current {
			if !removed[presenceRef(presence)] {
				remaining = append(remaining, presence)
			}
		}
		if len(remaining) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = remaining
		}
		leaves = append(leaves, presenceLeave{key: key, current: remaining, left: leftPresences})
	}
	return joins, leaves
}

// transformPresenceState converts the wire shape, where each key holds a
// metas list, into the client shape keyed by presence_ref. Entries that
// are already plain presence lists pass through unchanged.
func transformPresenceState(raw map[string]any) PresenceState {
	state := make(PresenceState, len(raw))
	for key, value := range raw {
		switch entry := value.(type) {
		case map[string]any:
			metas, ok := entry["metas"].([]any)
			if !ok {
				continue
			}
			presences := make([]Presence, 0, len(metas))
			for _, meta := range metas {
				presence, ok := clonePresenceValue(meta).(map[string]any)
				if !ok {
					continue
				}
				presence["presence_ref"] = presence["phx_ref"]
				delete(presence, "phx_ref")
				delete(presence, "phx_ref_prev")
				presences = append(presences, presence)
			}
			state[key] = presences
		case []any:
			presences := make([]Presence, 0, len(entry))
			for _, item := range entry {
				if presence, ok := item.(map[string]any); ok {
					presences = append(presences, presence)
				}
			}
			state[key] = presences
		}
	}
	return state
}

func presenceRef(presence Presence) string {
	ref, _ := presence["presence_ref"].(string)
	return ref
}

func presenceRefs(presences []Presence) map[string]bool {
	refs := make(map[string]bool, len(presences))
	for _, presence := range presences {
		refs[presenceRef(presence)] = true
	}
	return refs
}

// clonePresenceState deep copies state so callers can hold the result
// across further syncs.
func clonePresenceState(state PresenceState) PresenceState {
	out := make(PresenceState, len(state))
	for key, presences := range state {
		out[key] = clonePresences(presences)
	}
	return out
}

func clonePresences(presences []Presence) []Presence {
	out := make([]Presence, len(presences))
	for i, presence := range presences {
		cloned, _ := clonePresenceValue(presence).(map[string]any)
		out[i] = cloned
	}
	return out
}

func clonePresenceValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = clonePresenceValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = clonePresenceValue(item)
		}
		return out
	default:
		return v
	}
}
