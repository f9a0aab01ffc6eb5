package chat

import "errors"

// ErrNotConnected is returned when a command requiring a live connection is
// attempted while the session is not connected.
var ErrNotConnected = errors.New("not connected to room")

// ValidationError reports locally rejected message content. It never reaches
// the wire.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}
