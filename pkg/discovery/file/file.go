package file

import (
    "bufio"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file, or a glob of files, holding one seed per line or
    // comma-separated lists. Lines starting with # are ignored.
    Path string
    // Env names a variable whose comma-separated value overrides the file.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    if i.opts.Env != "" {
        if v := config.ParseList(os.Getenv(i.opts.Env)); len(v) > 0 { return normalize(v) }
    }
    if i.opts.Path == "" { return nil }

    i.mu.Lock()
    defer i.mu.Unlock()
    if i.cache != nil && time.Since(i.last) < i.opts.Refresh {
        return append([]string(nil), i.cache...)
    }
    matches, err := filepath.Glob(i.opts.Path)
    if err != nil || len(matches) == 0 { return append([]string(nil), i.cache...) }
    var seeds []string
    for _, m := range matches { seeds = append(seeds, loadFile(m)...) }
    i.cache = normalize(seeds)
    i.last = time.Now()
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var seeds []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, config.ParseList(line)...)
    }
    if s.Err() != nil { return nil }
    return seeds
}

// normalize de-duplicates and sorts.
func normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, x := range seeds {
        if _, ok := set[x]; ok { continue }
        set[x] = struct{}{}
        out = append(out, x)
    }
    sort.Strings(out)
    return out
}
