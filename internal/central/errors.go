package central

import "errors"

// Sentinel errors returned by Server. Callers should use errors.Is for
// comparison.
var (
	// ErrSessionNotFound is returned when an operation names a session id
	// the SessionManager does not know about.
	ErrSessionNotFound = errors.New("central: session not found")

	// ErrSessionDisconnected is returned when a project activation or mode
	// change targets a session that has already transitioned to
	// disconnected. ExecuteTool reports that case as an "Error: …" result
	// instead.
	ErrSessionDisconnected = errors.New("central: session disconnected")

	// ErrUnknownWorkspace is returned when a project activation names a
	// workspace the server has no registration for.
	ErrUnknownWorkspace = errors.New("central: unknown workspace")
)
