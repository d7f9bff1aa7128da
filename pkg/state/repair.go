package state

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    "github.com/amirimatin/clusternode/pkg/nodeenv"
)

const repairMarker = "repair.pending"

var ErrRepairInProgress = errors.New("state: an offline repair did not complete")

// RepairMarker records an offline repair that started persisting. It is
// removed once the repair has been fully written; while it exists the live
// node refuses to start.
type RepairMarker struct {
    Action    string    `json:"action"`
    Pid       int       `json:"pid"`
    StartedAt time.Time `json:"started_at"`
}

func markerPath(nodePath string) string { return filepath.Join(StateDir(nodePath), repairMarker) }

// MarkRepairPending writes the marker to every node folder.
func MarkRepairPending(nodePaths []string, action string) error {
    data, err := json.Marshal(RepairMarker{Action: action, Pid: os.Getpid(), StartedAt: time.Now().UTC()})
    if err != nil { return err }
    for _, np := range nodePaths {
        if err := os.MkdirAll(StateDir(np), 0o755); err != nil { return err }
        if err := nodeenv.WriteFileAtomic(markerPath(np), data, 0o644); err != nil { return err }
    }
    return nil
}

// ClearRepairPending removes the marker from every node folder.
func ClearRepairPending(nodePaths []string) error {
    for _, np := range nodePaths {
        if err := os.Remove(markerPath(np)); err != nil && !os.IsNotExist(err) {
            return fmt.Errorf("state: clear repair marker: %w", err)
        }
    }
    return nil
}

// CheckNoRepairPending fails with ErrRepairInProgress when any node folder
// still carries a marker.
func CheckNoRepairPending(nodePaths []string) error {
    for _, np := range nodePaths {
        data, err := os.ReadFile(markerPath(np))
        if os.IsNotExist(err) { continue }
        if err != nil { return fmt.Errorf("state: read repair marker: %w", err) }
        var m RepairMarker
        if json.Unmarshal(data, &m) != nil {
            return fmt.Errorf("%w: unreadable marker in %s", ErrRepairInProgress, np)
        }
        return fmt.Errorf("%w: %s started %s in %s; re-run it before starting the node", ErrRepairInProgress, m.Action, m.StartedAt.Format(time.RFC3339), np)
    }
    return nil
}
