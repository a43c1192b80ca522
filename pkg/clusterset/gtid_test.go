package clusterset

import (
	"fmt"
	"testing"

	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uuidA = "3e11fa47-71ca-11e1-9e33-c80aa9429562"
	uuidB = "8f9e6f3a-5537-11ec-9f23-08002715584a"
)

func TestCompatibleHistories(t *testing.T) {
	tests := []struct {
		name       string
		candidate  string
		source     string
		compatible bool
	}{
		{"empty candidate", "", uuidA + ":1-100", true},
		{"both empty", "", "", true},
		{"identical", uuidA + ":1-5", uuidA + ":1-5", true},
		{"strict subset", uuidA + ":1-5", uuidA + ":1-100", true},
		{"split ranges covered", uuidA + ":1-3:7-9", uuidA + ":1-10", true},
		{"candidate ahead", uuidA + ":1-10", uuidA + ":1-5", false},
		{"foreign source id", uuidB + ":1-3", uuidA + ":1-100", false},
		{"multi source subset", uuidA + ":1-5," + uuidB + ":1-2", uuidA + ":1-9," + uuidB + ":1-4", true},
		{"gap not covered", uuidA + ":1-10", uuidA + ":1-4:6-10", false},
		{"case insensitive ids", "3E11FA47-71CA-11E1-9E33-C80AA9429562:1-3", uuidA + ":1-5", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := CompatibleHistories(tc.candidate, tc.source)
			require.NoError(t, err)
			assert.Equal(t, tc.compatible, ok)
		})
	}
}

func TestParseGTIDSetRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{
		uuidA,            // no intervals
		uuidA + ":0-5",   // transaction numbers start at 1
		uuidA + ":9-2",   // inverted range
		uuidA + ":x",     // not a number
		":1-5",           // missing source id
		uuidA + ":1-5,,", // empty entry
	} {
		_, err := parseGTIDSet(raw)
		require.Error(t, err, "input %q", raw)
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}

func TestNormalizeMergesAdjacentIntervals(t *testing.T) {
	set, err := parseGTIDSet(uuidA + ":4-6:1-3:8")
	require.NoError(t, err)
	assert.Equal(t, []interval{{start: 1, end: 6}, {start: 8, end: 8}}, set[uuidA])
}

func TestHistoryProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genBound := gen.UInt64Range(1, 1000)

	properties.Property("every history is compatible with itself", prop.ForAll(
		func(start, span uint64) bool {
			set := fmt.Sprintf("%s:%d-%d", uuidA, start, start+span)
			ok, err := CompatibleHistories(set, set)
			return err == nil && ok
		},
		genBound, genBound,
	))

	properties.Property("extending the candidate past the source breaks compatibility", prop.ForAll(
		func(end, extra uint64) bool {
			source := fmt.Sprintf("%s:1-%d", uuidA, end)
			candidate := fmt.Sprintf("%s:1-%d", uuidA, end+extra)
			ok, err := CompatibleHistories(candidate, source)
			return err == nil && !ok
		},
		genBound, genBound,
	))

	properties.TestingRun(t)
}
