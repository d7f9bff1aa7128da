package discovery

// Discovery provides the management addresses of nodes a fresh node asks to
// be added as a voter.
type Discovery interface {
    Seeds() []string
}

// Multi merges several sources, keeping the first occurrence of each seed.
type Multi []Discovery

func (m Multi) Seeds() []string {
    seen := map[string]struct{}{}
    var out []string
    for _, d := range m {
        for _, s := range d.Seeds() {
            if _, ok := seen[s]; ok { continue }
            seen[s] = struct{}{}
            out = append(out, s)
        }
    }
    return out
}
