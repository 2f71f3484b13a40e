package replication

import "errors"

var (
	ErrNotSynced          = errors.New("replication: registry is not marked for sync")
	ErrAlreadyRegistered  = errors.New("replication: registry path already registered")
	ErrUnknownRegistry    = errors.New("replication: unknown registry path")
	ErrNetworkDecode      = errors.New("replication: could not decode network entry")
	ErrSessionInterleaved = errors.New("replication: start received while a session is open")
	ErrNoActiveSession    = errors.New("replication: no active session")
	ErrNoTransport        = errors.New("replication: no transport bound")
)
