package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBenchmarkResult(t *testing.T) {
	results := []OperationResult{
		{ID: "a", Duration: 100 * time.Millisecond, Success: true},
		{ID: "b", Duration: 300 * time.Millisecond, Success: true},
		{ID: "c", Duration: 200 * time.Millisecond, Success: true},
		{ID: "d", ErrorCode: types.ErrorCodeTimeout},
	}
	r := calculateBenchmarkResult(results, time.Minute)

	assert.Equal(t, 4, r.TotalOperations)
	assert.Equal(t, 3, r.SuccessfulOps)
	assert.Equal(t, 1, r.FailedOps)
	assert.InDelta(t, 25.0, r.ErrorRate, 0.001)
	assert.Equal(t, 200*time.Millisecond, r.AverageTime)
	assert.Equal(t, 200*time.Millisecond, r.MedianTime)
	assert.Equal(t, 300*time.Millisecond, r.P95Time)
	assert.InDelta(t, 3.0, r.OperationsPerMin, 0.001)
	assert.Equal(t, 1, r.Errors[types.ErrorCodeTimeout])
}

func TestParseNumOps(t *testing.T) {
	n, err := parseNumOps("12")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = parseNumOps("0")
	assert.Error(t, err)
	_, err = parseNumOps("x")
	assert.Error(t, err)
}

func TestSigningPolicy(t *testing.T) {
	p := core.ThresholdPolicy{
		TotalParticipants: 3,
		Threshold:         2,
		Participants: []core.Participant{
			{ID: "g1", Index: 1}, {ID: "g2", Index: 2}, {ID: "g3", Index: 3},
		},
	}

	first := signingPolicy(p, nil)
	assert.Equal(t, []string{"g1", "g2"}, first.IDs())
	assert.Equal(t, 3, first.TotalParticipants)

	picked := signingPolicy(p, []string{"g3", "g2"})
	assert.Equal(t, []int{2, 3}, picked.Indices())
	assert.Equal(t, 3, picked.TotalParticipants)
	assert.Len(t, p.Participants, 3)
}

func TestReadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("ab", 32)+"\n"), 0600))
	seed, err := readSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed, 32)
	assert.Equal(t, byte(0xab), seed[0])

	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0600))
	_, err = readSeed(path)
	assert.Error(t, err)
}
