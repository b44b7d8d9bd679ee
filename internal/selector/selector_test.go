// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package selector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letterrelay/relaynet/internal/selector"
)

func ptrI64(v int64) *int64     { return &v }
func ptrF64(v float64) *float64 { return &v }

func TestSelectBestEmptyInput(t *testing.T) {
	_, ok := selector.SelectBest(nil)
	assert.False(t, ok, "expected ok=false for empty input")
}

// TestSelectBestGFWPenaltyScenario exercises the documented GFW
// penalty scenario verbatim.
func TestSelectBestGFWPenaltyScenario(t *testing.T) {
	candidates := []selector.Candidate{
		{Onion: "blocked", LatencyMs: ptrI64(100), Reachability: ptrF64(1), GFWBlocked: true},
		{Onion: "open", LatencyMs: ptrI64(400), Reachability: ptrF64(0.9), GFWBlocked: false},
	}

	best, ok := selector.SelectBest(candidates)
	require.True(t, ok, "expected a selection")
	assert.Equal(t, "open", best.Onion, "expected 'open' to win despite higher latency")

	openScore := selector.Score(candidates[1])
	blockedScore := selector.Score(candidates[0])
	assert.InDelta(t, 0.783, openScore, 0.01)
	assert.InDelta(t, 0.172, blockedScore, 0.01)
}

func TestSelectBestTieBreaksOnInputOrder(t *testing.T) {
	a := selector.Candidate{Onion: "a"}
	b := selector.Candidate{Onion: "a-twin"}
	best, ok := selector.SelectBest([]selector.Candidate{a, b})
	require.True(t, ok, "expected a selection")
	assert.Equal(t, "a", best.Onion, "expected first candidate to win a tie")
}

func TestScoreDefaultsWhenFieldsMissing(t *testing.T) {
	s := selector.Score(selector.Candidate{})
	// latency defaults to 1500ms -> latencyScore 0.5; reachability and
	// freshness default to 0.5; no penalty.
	want := 0.5*0.5 + 0.25*0.5 + 0.25*0.5
	assert.InDelta(t, want, s, 1e-9)
}
