package static

import (
    "strings"

    "github.com/amirimatin/clusternode/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds, blanks and
// duplicates dropped.
func New(seeds ...string) discovery.Discovery {
    cleaned := make([]string, 0, len(seeds))
    seen := map[string]struct{}{}
    for _, v := range seeds {
        v = strings.TrimSpace(v)
        if _, dup := seen[v]; v == "" || dup { continue }
        seen[v] = struct{}{}
        cleaned = append(cleaned, v)
    }
    return &staticSeeds{seeds: cleaned}
}
