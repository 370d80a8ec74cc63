package registry

import (
	"time"

	"github.com/coderelay/coderelay/internal/types"
)

// maxRegistryEvents bounds the lifecycle event ring kept in the registry
// document. Truncation happens on every append (appendEvent), newest
// entries retained.
const maxRegistryEvents = 1000

// InstanceInfo describes one registered gateway process.
type InstanceInfo struct {
	PID              int               `json:"pid"`
	Port             int               `json:"port"`
	StartedAt        time.Time         `json:"started_at"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	Context          string            `json:"context,omitempty"`
	Modes            []string          `json:"modes,omitempty"`
	WorkspaceName    string            `json:"workspace_name,omitempty"`
	WorkspaceRoot    string            `json:"workspace_root,omitempty"`
	State            types.InstanceState `json:"state"`
	ZombieDetectedAt *time.Time        `json:"zombie_detected_at,omitempty"`
}

// LifecycleEvent is one entry in the registry's audit trail.
type LifecycleEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	Type          types.RegistryEventType `json:"type"`
	PID           int                    `json:"pid"`
	Port          int                    `json:"port,omitempty"`
	WorkspaceName string                 `json:"workspace_name,omitempty"`
	Message       string                 `json:"message,omitempty"`
}

// Document is the entire registry state, serialized as a single JSON file.
type Document struct {
	Instances           map[string]*InstanceInfo `json:"instances"`
	LifecycleEvents     []LifecycleEvent         `json:"lifecycle_events"`
	GlobalDashboardPID  int                      `json:"global_dashboard_pid,omitempty"`
	GlobalDashboardPort int                      `json:"global_dashboard_port,omitempty"`
}

func newDocument() *Document {
	return &Document{
		Instances:       make(map[string]*InstanceInfo),
		LifecycleEvents: []LifecycleEvent{},
	}
}

func (d *Document) appendEvent(e LifecycleEvent) {
	d.LifecycleEvents = append(d.LifecycleEvents, e)
	if len(d.LifecycleEvents) > maxRegistryEvents {
		d.LifecycleEvents = d.LifecycleEvents[len(d.LifecycleEvents)-maxRegistryEvents:]
	}
}
