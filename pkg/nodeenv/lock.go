package nodeenv

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "strings"
    "sync"

    "golang.org/x/sys/unix"
)

var ErrLockUnavailable = errors.New("nodeenv: node lock unavailable")

// NodeLock is an exclusive lock over the node folders of every data path.
// Acquisition never waits: a folder held by a live process fails at once.
// The kernel drops flock locks of dead processes, so a stale lock file never
// blocks a new owner.
type NodeLock struct {
    mu    sync.Mutex
    files []*os.File
}

// AcquireLock locks every node folder in order. On failure the locks already
// taken are released before returning.
func AcquireLock(nodePaths []string) (*NodeLock, error) {
    l := &NodeLock{}
    for _, np := range nodePaths {
        f, err := lockOne(np)
        if err != nil {
            _ = l.Release()
            return nil, err
        }
        l.files = append(l.files, f)
    }
    return l, nil
}

func lockOne(nodePath string) (*os.File, error) {
    path := filepath.Join(nodePath, lockFile)
    f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
    if err != nil { return nil, fmt.Errorf("%w: open %s: %v", ErrLockUnavailable, path, err) }
    if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
        owner := readOwner(f)
        f.Close()
        if owner != "" {
            return nil, fmt.Errorf("%w: %s held by pid %s: %v", ErrLockUnavailable, path, owner, err)
        }
        return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, path, err)
    }
    // Record the owner for diagnostics only; the flock is the lock.
    if err := f.Truncate(0); err == nil {
        _, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
    }
    return f, nil
}

func readOwner(f *os.File) string {
    buf := make([]byte, 32)
    n, _ := f.ReadAt(buf, 0)
    return strings.TrimSpace(string(buf[:n]))
}

// Paths returns the locked lock files.
func (l *NodeLock) Paths() []string {
    if l == nil { return nil }
    l.mu.Lock(); defer l.mu.Unlock()
    out := make([]string, 0, len(l.files))
    for _, f := range l.files { out = append(out, f.Name()) }
    return out
}

// Release unlocks every folder. It is idempotent and safe on a nil lock.
func (l *NodeLock) Release() error {
    if l == nil { return nil }
    l.mu.Lock(); defer l.mu.Unlock()
    var errs []error
    for _, f := range l.files {
        if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
            errs = append(errs, fmt.Errorf("unlock %s: %w", f.Name(), err))
        }
        if err := f.Close(); err != nil {
            errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
        }
    }
    l.files = nil
    return errors.Join(errs...)
}
