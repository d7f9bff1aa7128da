package logutil

import (
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-hclog"
)

// Level orders log severities; messages below the configured level are dropped.
type Level int32

const (
    LevelDebug Level = iota
    LevelInfo
    LevelWarn
    LevelError
)

func (l Level) String() string {
    switch l {
    case LevelDebug:
        return "debug"
    case LevelInfo:
        return "info"
    case LevelWarn:
        return "warn"
    default:
        return "error"
    }
}

var (
    jsonMode atomic.Bool
    minLevel atomic.Int32
)

func init() {
    minLevel.Store(int32(LevelInfo))
    if os.Getenv("CLUSTERNODE_LOG_JSON") == "1" || os.Getenv("CLUSTERNODE_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func SetLevel(l Level) { minLevel.Store(int32(l)) }

func CurrentLevel() Level { return Level(minLevel.Load()) }

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug", "trace":
        return LevelDebug
    case "warn", "warning":
        return LevelWarn
    case "error":
        return LevelError
    default:
        return LevelInfo
    }
}

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, f, args...) }

func logf(l *log.Logger, level Level, f string, args ...any) {
    if level < CurrentLevel() { return }
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level.String(),
            "msg":   msg,
        }
        b, _ := json.Marshal(evt)
        l.Println(string(b))
        return
    }
    l.Println(strings.ToUpper(level.String()) + " " + msg)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *log.Logger { return log.New(io.Discard, "", 0) }

// HCLog adapts the process logging setup for libraries that expect an
// hclog.Logger (hashicorp/raft).
func HCLog(l *log.Logger, name string) hclog.Logger {
    if l == nil { l = log.Default() }
    return hclog.New(&hclog.LoggerOptions{
        Name:       name,
        Level:      hclog.LevelFromString(CurrentLevel().String()),
        Output:     l.Writer(),
        JSONFormat: jsonMode.Load(),
    })
}
