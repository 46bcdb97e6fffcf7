package state

import "errors"

// ErrPeerNotFound is returned when a write targets a key absent from the
// live peer table.
var ErrPeerNotFound = errors.New("state: peer not found")
