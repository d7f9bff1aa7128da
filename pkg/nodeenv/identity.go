package nodeenv

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"

    "github.com/google/uuid"
)

const (
    identityFile = "node.json"

    // CurrentIdentityVersion is the on-disk format written by this build.
    // Version 0 marks files written before the field existed.
    CurrentIdentityVersion = 1
)

var (
    ErrNoIdentity         = errors.New("nodeenv: no node identity found")
    ErrIdentityMismatch   = errors.New("nodeenv: data paths belong to different nodes")
    ErrUnsupportedVersion = errors.New("nodeenv: unsupported node identity version")
)

// NodeIdentity is generated once on first start and is read-only afterwards,
// except for format upgrades.
type NodeIdentity struct {
    NodeID  string `json:"node_id"`
    Version int    `json:"version"`
}

// LoadIdentity reads the identity of every node folder. All present
// identities must name the same node; the first present one is returned.
// Folders holding an older format are brought up to date by
// LoadOrCreateIdentity.
func LoadIdentity(nodePaths []string) (NodeIdentity, error) {
    var (
        found NodeIdentity
        ok    bool
    )
    for _, np := range nodePaths {
        id, present, err := readIdentity(np)
        if err != nil { return NodeIdentity{}, err }
        if !present { continue }
        if id.Version > CurrentIdentityVersion {
            return NodeIdentity{}, fmt.Errorf("%w: %d in %s", ErrUnsupportedVersion, id.Version, np)
        }
        if ok && id.NodeID != found.NodeID {
            return NodeIdentity{}, fmt.Errorf("%w: %q vs %q (%s)", ErrIdentityMismatch, found.NodeID, id.NodeID, np)
        }
        if !ok { found = id }
        ok = true
    }
    if !ok { return NodeIdentity{}, ErrNoIdentity }
    return found, nil
}

// LoadOrCreateIdentity is used by the live node: it generates an identity on
// first start and upgrades older formats in place.
func LoadOrCreateIdentity(nodePaths []string) (NodeIdentity, error) {
    id, err := LoadIdentity(nodePaths)
    switch {
    case errors.Is(err, ErrNoIdentity):
        id = NodeIdentity{NodeID: uuid.NewString(), Version: CurrentIdentityVersion}
    case err != nil:
        return NodeIdentity{}, err
    }
    id.Version = CurrentIdentityVersion
    for _, np := range nodePaths {
        cur, present, err := readIdentity(np)
        if err != nil { return NodeIdentity{}, err }
        if present && cur == id { continue }
        if err := writeIdentity(np, id); err != nil { return NodeIdentity{}, err }
    }
    return id, nil
}

func readIdentity(nodePath string) (NodeIdentity, bool, error) {
    data, err := os.ReadFile(filepath.Join(nodePath, identityFile))
    if os.IsNotExist(err) { return NodeIdentity{}, false, nil }
    if err != nil { return NodeIdentity{}, false, fmt.Errorf("nodeenv: read identity: %w", err) }
    var id NodeIdentity
    if err := json.Unmarshal(data, &id); err != nil {
        return NodeIdentity{}, false, fmt.Errorf("nodeenv: corrupt identity in %s: %w", nodePath, err)
    }
    if id.NodeID == "" {
        return NodeIdentity{}, false, fmt.Errorf("nodeenv: identity in %s has empty node id", nodePath)
    }
    return id, true, nil
}

func writeIdentity(nodePath string, id NodeIdentity) error {
    data, err := json.MarshalIndent(id, "", "  ")
    if err != nil { return err }
    return WriteFileAtomic(filepath.Join(nodePath, identityFile), data, 0o644)
}

// WriteFileAtomic replaces path with data so readers observe either the old
// or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
    tmp := path + ".tmp"
    f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
    if err != nil { return fmt.Errorf("nodeenv: write temp file: %w", err) }
    if _, err := f.Write(data); err != nil {
        f.Close(); os.Remove(tmp)
        return fmt.Errorf("nodeenv: write temp file: %w", err)
    }
    if err := f.Sync(); err != nil {
        f.Close(); os.Remove(tmp)
        return fmt.Errorf("nodeenv: sync temp file: %w", err)
    }
    if err := f.Close(); err != nil { os.Remove(tmp); return err }
    if err := os.Rename(tmp, path); err != nil {
        os.Remove(tmp)
        return fmt.Errorf("nodeenv: rename %s: %w", path, err)
    }
    return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
    d, err := os.Open(dir)
    if err != nil { return err }
    defer d.Close()
    return d.Sync()
}
