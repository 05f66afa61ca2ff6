package utils

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseRanges parses a list of numbers and inclusive ranges such as "0-3"
// into the list of included numbers. Duplicates are kept once.
func ParseRanges(rangeStrings []string) ([]uint64, error) {
	var out []uint64
	seen := map[uint64]struct{}{}
	add := func(i uint64) {
		if _, found := seen[i]; !found {
			seen[i] = struct{}{}
			out = append(out, i)
		}
	}

	for _, s := range rangeStrings {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.ContainsRune(s, '-') {
			i, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, errors.Errorf("invalid range %q", s)
			}
			add(i)
			continue
		}

		parts := strings.SplitN(s, "-", 2)
		first, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid range %q", s)
		}
		second, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil || second < first {
			return nil, errors.Errorf("invalid range %q", s)
		}
		for i := first; i <= second; i++ {
			add(i)
		}
	}

	return out, nil
}
