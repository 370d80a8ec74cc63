package central

import (
	"time"

	"github.com/coderelay/coderelay/internal/types"
)

// maxServerEvents bounds the server-local lifecycle ring.
const maxServerEvents = 500

// Event is one entry in CentralServer's lifecycle audit trail.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      types.ServerEventType  `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Detail    map[string]any         `json:"detail,omitempty"`
}
