// Package nodeenv resolves a node's on-disk environment: the configured data
// paths, the node folder inside each of them, the process-wide node lock and
// the durable node identity.
package nodeenv

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
)

const (
    // NodeFolder is the directory created inside every data path on first start.
    NodeFolder = "node"
    lockFile   = "node.lock"
)

var ErrNoNodeFolderFound = errors.New("nodeenv: no node folder found in data paths")

// DataPaths is the ordered, de-duplicated set of configured data locations.
type DataPaths []string

// NewDataPaths cleans and de-duplicates the configured paths, keeping order.
func NewDataPaths(paths []string) (DataPaths, error) {
    seen := make(map[string]struct{}, len(paths))
    out := make(DataPaths, 0, len(paths))
    for _, p := range paths {
        if p == "" { continue }
        abs, err := filepath.Abs(p)
        if err != nil { return nil, fmt.Errorf("nodeenv: resolve %q: %w", p, err) }
        if _, dup := seen[abs]; dup { continue }
        seen[abs] = struct{}{}
        out = append(out, abs)
    }
    if len(out) == 0 { return nil, errors.New("nodeenv: no data paths") }
    return out, nil
}

// NodePaths returns the node folder of every data path, present or not.
func (d DataPaths) NodePaths() []string {
    out := make([]string, len(d))
    for i, p := range d { out[i] = filepath.Join(p, NodeFolder) }
    return out
}

// Locate returns the node folders that already exist. It never creates
// anything on disk.
func (d DataPaths) Locate() ([]string, error) {
    var found []string
    for _, np := range d.NodePaths() {
        fi, err := os.Stat(np)
        if err != nil {
            if os.IsNotExist(err) { continue }
            return nil, fmt.Errorf("nodeenv: stat %s: %w", np, err)
        }
        if fi.IsDir() { found = append(found, np) }
    }
    if len(found) == 0 { return nil, ErrNoNodeFolderFound }
    return found, nil
}

// Prepare creates the node folder of every data path. Only the live node
// calls it; recovery tooling must never materialise a node folder.
func (d DataPaths) Prepare() ([]string, error) {
    nps := d.NodePaths()
    for _, np := range nps {
        if err := os.MkdirAll(np, 0o755); err != nil {
            return nil, fmt.Errorf("nodeenv: create %s: %w", np, err)
        }
    }
    return nps, nil
}
