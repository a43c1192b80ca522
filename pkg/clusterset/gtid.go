package clusterset

import (
	"strconv"
	"strings"

	"github.com/grovekit/grove/pkg/errdefs"
)

// interval is an inclusive transaction number range.
type interval struct {
	start uint64
	end   uint64
}

// gtidSet maps a source UUID to its committed transaction intervals,
// kept sorted and non-overlapping.
type gtidSet map[string][]interval

// parseGTIDSet parses the engine's executed transaction set notation:
// comma-separated "uuid:1-5:11:47-49" entries. An empty string is the
// empty set.
func parseGTIDSet(raw string) (gtidSet, error) {
	set := make(gtidSet)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return set, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] == "" {
			return nil, errdefs.InvalidArgument("malformed transaction set entry %q", entry)
		}
		uuid := strings.ToLower(parts[0])
		for _, rng := range parts[1:] {
			iv, err := parseInterval(rng)
			if err != nil {
				return nil, err
			}
			set[uuid] = append(set[uuid], iv)
		}
		set[uuid] = normalize(set[uuid])
	}
	return set, nil
}

func parseInterval(rng string) (interval, error) {
	if start, end, found := strings.Cut(rng, "-"); found {
		s, err1 := strconv.ParseUint(start, 10, 64)
		e, err2 := strconv.ParseUint(end, 10, 64)
		if err1 != nil || err2 != nil || s == 0 || e < s {
			return interval{}, errdefs.InvalidArgument("malformed transaction range %q", rng)
		}
		return interval{start: s, end: e}, nil
	}
	n, err := strconv.ParseUint(rng, 10, 64)
	if err != nil || n == 0 {
		return interval{}, errdefs.InvalidArgument("malformed transaction number %q", rng)
	}
	return interval{start: n, end: n}, nil
}

// normalize sorts and merges adjacent or overlapping intervals.
func normalize(ivs []interval) []interval {
	if len(ivs) <= 1 {
		return ivs
	}
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j].start < ivs[j-1].start; j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}
	merged := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.start <= last.end+1 {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// subsetOf reports whether every transaction in s is also in other.
func (s gtidSet) subsetOf(other gtidSet) bool {
	for uuid, ivs := range s {
		theirs := other[uuid]
		for _, iv := range ivs {
			if !covered(iv, theirs) {
				return false
			}
		}
	}
	return true
}

func covered(iv interval, ivs []interval) bool {
	// ivs is normalized, so one containing interval must cover the
	// whole range.
	for _, c := range ivs {
		if iv.start >= c.start && iv.end <= c.end {
			return true
		}
	}
	return false
}

// CompatibleHistories reports whether a cluster whose executed
// transaction set is candidate can replicate from one whose set is
// source: every transaction the candidate has already committed must
// exist in the source's history. A candidate with independent commits
// must be dissolved and recreated as a clone before linking.
func CompatibleHistories(candidate, source string) (bool, error) {
	c, err := parseGTIDSet(candidate)
	if err != nil {
		return false, err
	}
	s, err := parseGTIDSet(source)
	if err != nil {
		return false, err
	}
	return c.subsetOf(s), nil
}
