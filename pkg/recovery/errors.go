package recovery

import "errors"

// ErrorKind enumerates the ways a recovery command can stop. The operator
// message of each kind lives in the catalog below and is only looked up when
// the error is reported.
type ErrorKind int

const (
    KindNotMasterNode ErrorKind = iota + 1
    KindNoNodeFolderFound
    KindFailedToObtainNodeLock
    KindNoNodeMetadataFound
    KindEmptyLastCommittedVotingConfig
    KindAbortedByUser
    KindPersistFailed
    KindInvalidState
)

type catalogEntry struct {
    name string
    msg  string
}

var catalog = map[ErrorKind]catalogEntry{
    KindNotMasterNode: {"NotMasterNode",
        "unsafe-bootstrap can only run on a master-eligible node"},
    KindNoNodeFolderFound: {"NoNodeFolderFound",
        "no node folder found in the configured data paths; check path.data"},
    KindFailedToObtainNodeLock: {"FailedToObtainNodeLock",
        "failed to lock the node data paths; is the node still running?"},
    KindNoNodeMetadataFound: {"NoNodeMetadataFound",
        "no cluster metadata found on this node"},
    KindEmptyLastCommittedVotingConfig: {"EmptyLastCommittedVotingConfig",
        "the last committed voting configuration is empty; this node never saw a bootstrapped cluster"},
    KindAbortedByUser: {"AbortedByUser",
        "aborted by user"},
    KindPersistFailed: {"PersistFailed",
        "failed to write the repaired cluster state; fix the storage fault and run the command again"},
    KindInvalidState: {"InvalidState",
        "the cluster state on disk cannot be used"},
}

func (k ErrorKind) String() string {
    if e, ok := catalog[k]; ok { return e.name }
    return "Unknown"
}

// Message is the operator-facing text of the kind.
func (k ErrorKind) Message() string {
    if e, ok := catalog[k]; ok { return e.msg }
    return "recovery failed"
}

// Error is the failure of a recovery command.
type Error struct {
    Kind ErrorKind
    Err  error
}

func (e *Error) Error() string {
    if e.Err != nil { return e.Kind.Message() + ": " + e.Err.Error() }
    return e.Kind.Message()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the per-kind sentinels, so errors.Is(err, ErrAbortedByUser)
// holds for any abort regardless of its cause.
func (e *Error) Is(target error) bool {
    t, ok := target.(*Error)
    return ok && t.Err == nil && t.Kind == e.Kind
}

var (
    ErrNotMasterNode                  = &Error{Kind: KindNotMasterNode}
    ErrNoNodeFolderFound              = &Error{Kind: KindNoNodeFolderFound}
    ErrFailedToObtainNodeLock         = &Error{Kind: KindFailedToObtainNodeLock}
    ErrNoNodeMetadataFound            = &Error{Kind: KindNoNodeMetadataFound}
    ErrEmptyLastCommittedVotingConfig = &Error{Kind: KindEmptyLastCommittedVotingConfig}
    ErrAbortedByUser                  = &Error{Kind: KindAbortedByUser}
    ErrPersistFailed                  = &Error{Kind: KindPersistFailed}
    ErrInvalidState                   = &Error{Kind: KindInvalidState}
)

func fail(kind ErrorKind, cause error) error { return &Error{Kind: kind, Err: cause} }

// KindOf returns the kind of a recovery error, or zero for other errors.
func KindOf(err error) ErrorKind {
    var e *Error
    if errors.As(err, &e) { return e.Kind }
    return 0
}
