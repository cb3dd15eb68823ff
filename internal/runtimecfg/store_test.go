package runtimecfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbbot/goarb/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParams_DefaultsWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	defaults := Params{ThresholdBps: 3.0, SpikeExtraBps: 7.0, AllocUSD: 10.0}
	got, err := s.Params(defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)
}

func TestParams_Roundtrip(t *testing.T) {
	s := openTestStore(t)

	want := Params{ThresholdBps: 5.5, SpikeExtraBps: 4.0, AllocUSD: 25.0, DryRun: true}
	require.NoError(t, s.SetParams(want))

	got, err := s.Params(Params{ThresholdBps: 3.0})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestState_DefaultRunning(t *testing.T) {
	s := openTestStore(t)

	state, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, s.SetState(StateStopped))
	state, err = s.State()
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
}

func TestLastEdges_Roundtrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.LastEdges()
	require.NoError(t, err)
	assert.False(t, found)

	snap := EdgeSnapshot{
		Edges: domain.Edges{PerpToSpotBps: 4.2, SpotToPerpBps: -1.1},
		Ts:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SetLastEdges(snap))

	got, found, err := s.LastEdges()
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 4.2, got.Edges.PerpToSpotBps, 1e-9)
	assert.True(t, got.Ts.Equal(snap.Ts))
}
