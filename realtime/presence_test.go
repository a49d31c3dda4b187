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
	"testing"

	"github.com/stretchr/testify/require"
)

// metas builds one wire-shaped presence entry with a metas list.
func metas(entries ...map[string]any) map[string]any {
	items := make([]any, len(entries))
	for i, entry := range entries {
		items[i] = entry
	}
	return map[string]any{"metas": items}
}

func TestTransformPresenceState(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"u1": metas(
			map[string]any{"phx_ref": "ref-1", "phx_ref_prev": "ref-0", "name": "ada"},
			map[string]any{"phx_ref": "ref-2", "name": "ada"},
		),
	}
	state := transformPresenceState(raw)
	require.Len(t, state["u1"], 2)
	require.Equal(t, "ref-1", state["u1"][0]["presence_ref"])
	require.NotContains(t, state["u1"][0], "phx_ref")
	require.NotContains(t, state["u1"][0], "phx_ref_prev")
	require.Equal(t, "ada", state["u1"][0]["name"])
	require.Equal(t, "ref-2", state["u1"][1]["presence_ref"])

	// The input is left untouched.
	original := raw["u1"].(map[string]any)["metas"].([]any)[0].(map[string]any)
	require.Contains(t, original, "phx_ref")
}

func TestPresenceSyncState(t *testing.T) {
	t.Parallel()

	tracker := newPresenceTracker()
	joins, leaves := tracker.handleState(map[string]any{
		"u1": metas(map[string]any{"phx_ref": "r1", "name": "ada"}),
		"u2": metas(map[string]any{"phx_ref": "r2", "name": "bob"}),
	}, "1")
	require.Len(t, joins, 2)
	require.Empty(t, leaves)
	require.Len(t, tracker.state, 2)

	// A fresh snapshot missing u2 and carrying a new ref for u1 reports
	// one join and two leaves.
	joins, leaves = tracker.handleState(map[string]any{
		"u1": metas(map[string]any{"phx_ref": "r3", "name": "ada"}),
	}, "1")
	require.Len(t, joins, 1)
	require.Equal(t, "u1", joins[0].key)
	require.Len(t, leaves, 2)
	require.Len(t, tracker.state, 1)
	require.Equal(t, "r3", tracker.state["u1"][0]["presence_ref"])
}

func TestPresenceSyncDiff(t *testing.T) {
	t.Parallel()

	tracker := newPresenceTracker()
	tracker.handleState(map[string]any{
		"u1": metas(map[string]any{"phx_ref": "r1", "name": "ada"}),
	}, "1")

	// A join for the same key keeps the existing presence ahead of the
	// new one.
	joins, leaves, deferred := tracker.handleDiff(map[string]any{
		"joins":  map[string]any{"u1": metas(map[string]any{"phx_ref": "r2", "name": "ada"})},
		"leaves": map[string]any{},
	}, "1")
	require.False(t, deferred)
	require.Len(t, joins, 1)
	require.Empty(t, leaves)
	require.Len(t, tracker.state["u1"], 2)
	require.Equal(t, "r1", tracker.state["u1"][0]["presence_ref"])
	require.Equal(t, "r2", tracker.state["u1"][1]["presence_ref"])

	// Leaving the first ref keeps the key with the survivor; leaving the
	// last one removes the key entirely.
	_, leaves, deferred = tracker.handleDiff(map[string]any{
		"joins":  map[string]any{},
		"leaves": map[string]any{"u1": metas(map[string]any{"phx_ref": "r1"})},
	}, "1")
	require.False(t, deferred)
	require.Len(t, leaves, 1)
	require.Len(t, leaves[0].current, 1, "current should hold the remaining presences")
	require.Len(t, tracker.state["u1"], 1)
	require.Equal(t, "r2", tracker.state["u1"][0]["presence_ref"])

	_, _, deferred = tracker.handleDiff(map[string]any{
		"joins":  map[string]any{},
		"leaves": map[string]any{"u1": metas(map[string]any{"phx_ref": "r2"})},
	}, "1")
	require.False(t, deferred)
	require.NotContains(t, tracker.state, "u1")
}

func TestPresenceDiffBeforeStateIsQueued(t *testing.T) {
	t.Parallel()

	tracker := newPresenceTracker()

	// The diff races ahead of the snapshot for this join cycle, so it
	// must not apply yet.
	joins, leaves, deferred := tracker.handleDiff(map[string]any{
		"joins":  map[string]any{"u2": metas(map[string]any{"phx_ref": "r2", "name": "bob"})},
		"leaves": map[string]any{},
	}, "1")
	require.True(t, deferred)
	require.Empty(t, joins)
	require.Empty(t, leaves)
	require.Empty(t, tracker.state)

	// The snapshot lands and the queued diff replays on top of it.
	joins, leaves = tracker.handleState(map[string]any{
		"u1": metas(map[string]any{"phx_ref": "r1", "name": "ada"}),
	}, "1")
	require.Len(t, joins, 2)
	require.Empty(t, leaves)
	require.Len(t, tracker.state, 2)
	require.Equal(t, "r1", tracker.state["u1"][0]["presence_ref"])
	require.Equal(t, "r2", tracker.state["u2"][0]["presence_ref"])
	require.Empty(t, tracker.pendingDiffs)

	// Diffs for a later join cycle queue again until its snapshot.
	_, _, deferred = tracker.handleDiff(map[string]any{
		"joins":  map[string]any{"u3": metas(map[string]any{"phx_ref": "r3"})},
		"leaves": map[string]any{},
	}, "2")
	require.True(t, deferred)
	require.Len(t, tracker.pendingDiffs, 1)
}

func TestClonePresenceState(t *testing.T) {
	t.Parallel()

	tracker := newPresenceTracker()
	tracker.handleState(map[string]any{
		"u1": metas(map[string]any{"phx_ref": "r1", "tags": []any{"admin"}}),
	}, "1")

	clone := clonePresenceState(tracker.state)
	clone["u1"][0]["presence_ref"] = "mutated"
	clone["u1"][0]["tags"].([]any)[0] = "mutated"

	require.Equal(t, "r1", tracker.state["u1"][0]["presence_ref"])
	require.Equal(t, "admin", tracker.state["u1"][0]["tags"].([]any)[0])
}
