// Package types defines the enums and small value types shared across
// coderelay's session, registry, and API layers.
package types

// ─── Session ─────────────────────────────────────────────────────────────────

// SessionState is the lifecycle state of a client session.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionActive       SessionState = "active"
	SessionIdle         SessionState = "idle"
	SessionDisconnected SessionState = "disconnected"
)

// ─── Server-local lifecycle events ───────────────────────────────────────────

// ServerEventType identifies the kind of event recorded in CentralServer's
// lifecycle ring.
type ServerEventType string

const (
	EventServerStarted      ServerEventType = "server_started"
	EventServerShutdown     ServerEventType = "server_shutdown"
	EventSessionCreated     ServerEventType = "session_created"
	EventSessionDisconnect  ServerEventType = "session_disconnected"
	EventToolExecuted       ServerEventType = "tool_executed"
	EventProjectActivated   ServerEventType = "project_activated"
	EventModesChanged       ServerEventType = "modes_changed"
)

// ─── Instance registry ───────────────────────────────────────────────────────

// InstanceState is the health/lifecycle state of a registered gateway process.
type InstanceState string

const (
	InstanceLiveNoProject   InstanceState = "live_no_project"
	InstanceLiveWithProject InstanceState = "live_with_project"
	InstanceZombie          InstanceState = "zombie"
)

// RegistryEventType identifies the kind of event recorded in the
// InstanceRegistry's lifecycle ring.
type RegistryEventType string

const (
	EventInstanceStarted  RegistryEventType = "INSTANCE_STARTED"
	EventInstanceStopped  RegistryEventType = "INSTANCE_STOPPED"
	EventProjectActivate  RegistryEventType = "PROJECT_ACTIVATED"
	EventProjectDeactivate RegistryEventType = "PROJECT_DEACTIVATED"
	EventZombieDetected   RegistryEventType = "ZOMBIE_DETECTED"
	EventHeartbeatRestore RegistryEventType = "HEARTBEAT_RESTORED"
	EventZombiePruned     RegistryEventType = "ZOMBIE_PRUNED"
	EventZombieForceKilled RegistryEventType = "ZOMBIE_FORCE_KILLED"
)
