package session

import "errors"

// ErrSessionExpired is returned by Heartbeat and Consume for a session id
// the registry no longer knows about, either because it was closed or its
// heartbeat lapsed past SessionTimeout.
var ErrSessionExpired = errors.New("session: expired or unknown")
