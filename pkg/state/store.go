package state

import (
    "bytes"
    "encoding/binary"
    "encoding/json"
    "errors"
    "fmt"
    "hash/crc32"
    "log"
    "os"
    "path/filepath"
    "runtime/debug"
    "time"

    "github.com/boltdb/bolt"

    "github.com/amirimatin/clusternode/pkg/internal/logutil"
)

const (
    stateDir  = "_state"
    stateFile = "cluster.db"

    // FormatVersion is the layout of the cluster_state bucket written by this build.
    FormatVersion = 1
)

var (
    bucketName  = []byte("cluster_state")
    keyFormat   = []byte("format")
    keyNodeID   = []byte("node_id")
    keyTerm     = []byte("term")
    keyVersion  = []byte("version")
    keyState    = []byte("state")
    keyChecksum = []byte("checksum")

    castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

var (
    ErrNoMetadataFound = errors.New("state: no cluster metadata found")
    ErrCorruptState    = errors.New("state: corrupt cluster state")
    ErrDivergentState  = errors.New("state: data paths hold different states at the same term and version")
    ErrNodeIDMismatch  = errors.New("state: data paths hold states of different nodes")
    ErrTermRegression  = errors.New("state: refusing to persist a lower term")
    ErrPersist         = errors.New("state: persist failed")
)

// StateDir is where a node folder keeps its persisted cluster state.
func StateDir(nodePath string) string { return filepath.Join(nodePath, stateDir) }

func stateDBPath(nodePath string) string { return filepath.Join(StateDir(nodePath), stateFile) }

// Store persists ClusterState to the node folder of every data path. Each
// path is one bolt file and every write is a single bolt transaction, so a
// path is either fully at the old or fully at the new state after a crash.
type Store struct {
    logger      *log.Logger
    openTimeout time.Duration
}

// NewStore returns a store. Opening a bolt file that another process holds
// fails after a short timeout instead of blocking.
func NewStore(logger *log.Logger) *Store {
    if logger == nil { logger = log.Default() }
    return &Store{logger: logger, openTimeout: time.Second}
}

type candidate struct {
    path     string
    nodeID   string
    term     uint64
    version  uint64
    blob     []byte
    state    ClusterState
}

// LoadBestOnDiskState reads every node folder and returns the state with the
// greatest (term, version). Any unreadable or corrupt path fails the whole
// load; partial data is never returned.
func (s *Store) LoadBestOnDiskState(nodePaths []string) (*OnDiskState, error) {
    var best *candidate
    for _, np := range nodePaths {
        c, ok, err := s.read(np)
        if err != nil { return nil, err }
        if !ok {
            logutil.Debugf(s.logger, "no cluster state in %s", np)
            continue
        }
        logutil.Debugf(s.logger, "found cluster state in %s: term=%d version=%d", np, c.term, c.version)
        if best, err = pickBest(best, c); err != nil { return nil, err }
    }
    if best == nil { return nil, ErrNoMetadataFound }
    return &OnDiskState{NodeID: best.nodeID, DataPath: best.path, State: best.state}, nil
}

func pickBest(cur, next *candidate) (*candidate, error) {
    if cur == nil { return next, nil }
    if cur.nodeID != next.nodeID {
        return nil, fmt.Errorf("%w: %q in %s, %q in %s", ErrNodeIDMismatch, cur.nodeID, cur.path, next.nodeID, next.path)
    }
    a := ClusterState{Term: cur.term, Version: cur.version}
    b := ClusterState{Term: next.term, Version: next.version}
    switch Compare(b, a) {
    case 1:
        return next, nil
    case 0:
        if !bytes.Equal(cur.blob, next.blob) {
            return nil, fmt.Errorf("%w: (%d, %d) in %s and %s", ErrDivergentState, cur.term, cur.version, cur.path, next.path)
        }
    }
    return cur, nil
}

// read loads the state stored at nodePath. bolt trusts its page headers, so
// a damaged file can panic or fault inside the mmap; both fail the load.
func (s *Store) read(nodePath string) (cand *candidate, found bool, err error) {
    path := stateDBPath(nodePath)
    if _, err := os.Stat(path); err != nil {
        if os.IsNotExist(err) { return nil, false, nil }
        return nil, false, fmt.Errorf("state: stat %s: %w", path, err)
    }
    defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
    defer func() {
        if r := recover(); r != nil {
            cand, found, err = nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, r)
        }
    }()
    db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: s.openTimeout})
    if err != nil { return nil, false, fmt.Errorf("%w: open %s: %v", ErrCorruptState, path, err) }
    defer db.Close()

    c := &candidate{path: nodePath}
    var (
        present bool
        sum     []byte
        format  []byte
    )
    err = db.View(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketName)
        if b == nil { return nil }
        blob := b.Get(keyState)
        if blob == nil { return nil }
        present = true
        // bolt values are only valid inside the transaction.
        c.blob = append([]byte(nil), blob...)
        c.nodeID = string(b.Get(keyNodeID))
        sum = append([]byte(nil), b.Get(keyChecksum)...)
        format = append([]byte(nil), b.Get(keyFormat)...)
        var err error
        if c.term, err = decodeUint64(b.Get(keyTerm)); err != nil { return err }
        if c.version, err = decodeUint64(b.Get(keyVersion)); err != nil { return err }
        return nil
    })
    if err != nil { return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err) }
    if !present { return nil, false, nil }

    f, err := decodeUint64(format)
    if err != nil || f != FormatVersion {
        return nil, false, fmt.Errorf("%w: %s: unsupported format %v", ErrCorruptState, path, format)
    }
    if len(sum) != 4 || binary.BigEndian.Uint32(sum) != crc32.Checksum(c.blob, castagnoli) {
        return nil, false, fmt.Errorf("%w: %s: checksum mismatch", ErrCorruptState, path)
    }
    if c.nodeID == "" { return nil, false, fmt.Errorf("%w: %s: missing node id", ErrCorruptState, path) }
    st, err := Decode(c.blob)
    if err != nil { return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err) }
    if st.Term != c.term || st.Version != c.version {
        return nil, false, fmt.Errorf("%w: %s: header (%d, %d) disagrees with body (%d, %d)", ErrCorruptState, path, c.term, c.version, st.Term, st.Version)
    }
    c.state = st
    return c, true, nil
}

// Persist writes st to every node folder. The write to each folder is atomic;
// a failure part way leaves earlier folders at the new state and later ones at
// the old state, and the next load picks the greater (term, version).
func (s *Store) Persist(nodeID string, st ClusterState, nodePaths []string) error {
    if nodeID == "" { return fmt.Errorf("%w: empty node id", ErrPersist) }
    if err := st.Validate(); err != nil { return fmt.Errorf("%w: %w", ErrPersist, err) }
    blob, err := Encode(st)
    if err != nil { return fmt.Errorf("%w: encode: %w", ErrPersist, err) }
    sum := make([]byte, 4)
    binary.BigEndian.PutUint32(sum, crc32.Checksum(blob, castagnoli))
    for _, np := range nodePaths {
        if err := s.persistOne(np, nodeID, st, blob, sum); err != nil {
            return fmt.Errorf("%w: %s: %w", ErrPersist, np, err)
        }
        logutil.Debugf(s.logger, "persisted cluster state to %s: term=%d version=%d", np, st.Term, st.Version)
    }
    return nil
}

func (s *Store) persistOne(nodePath, nodeID string, st ClusterState, blob, sum []byte) error {
    if err := os.MkdirAll(StateDir(nodePath), 0o755); err != nil { return err }
    db, err := bolt.Open(stateDBPath(nodePath), 0o600, &bolt.Options{Timeout: s.openTimeout})
    if err != nil { return err }
    defer db.Close()
    return db.Update(func(tx *bolt.Tx) error {
        b, err := tx.CreateBucketIfNotExists(bucketName)
        if err != nil { return err }
        if raw := b.Get(keyTerm); raw != nil {
            if cur, err := decodeUint64(raw); err == nil && cur > st.Term {
                return fmt.Errorf("%w: stored %d, new %d", ErrTermRegression, cur, st.Term)
            }
        }
        puts := []struct{ k, v []byte }{
            {keyFormat, encodeUint64(FormatVersion)},
            {keyNodeID, []byte(nodeID)},
            {keyTerm, encodeUint64(st.Term)},
            {keyVersion, encodeUint64(st.Version)},
            {keyState, blob},
            {keyChecksum, sum},
        }
        for _, p := range puts {
            if err := b.Put(p.k, p.v); err != nil { return err }
        }
        return nil
    })
}

// DeleteAll removes the persisted cluster state of every node folder. Used by
// reset tooling and tests, never by the recovery commands.
func DeleteAll(nodePaths []string) error {
    for _, np := range nodePaths {
        if err := os.RemoveAll(StateDir(np)); err != nil {
            return fmt.Errorf("state: delete %s: %w", StateDir(np), err)
        }
    }
    return nil
}

// Encode is the canonical encoding of a state; equal states encode to equal
// bytes (struct field order is fixed, map keys are sorted).
func Encode(st ClusterState) ([]byte, error) { return json.Marshal(st) }

func Decode(b []byte) (ClusterState, error) {
    var st ClusterState
    dec := json.NewDecoder(bytes.NewReader(b))
    dec.DisallowUnknownFields()
    if err := dec.Decode(&st); err != nil { return ClusterState{}, err }
    return st, nil
}

func encodeUint64(v uint64) []byte {
    b := make([]byte, 8)
    binary.BigEndian.PutUint64(b, v)
    return b
}

func decodeUint64(b []byte) (uint64, error) {
    if len(b) != 8 { return 0, fmt.Errorf("bad uint64 length %d", len(b)) }
    return binary.BigEndian.Uint64(b), nil
}
