// Package registry implements InstanceRegistry: a host-local, file-locked
// shared catalog of running gateway processes, safe for concurrent
// mutation by independently-started processes. The entire state is one
// JSON document at a well-known path, guarded by a companion advisory
// lock file, mirroring the atomic temp-then-rename idiom used elsewhere
// in this codebase's lineage for small daemon state files.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/coderelay/coderelay/internal/types"
)

// lockTimeout is how long a caller waits to acquire the advisory file lock
// before the operation fails loud.
const lockTimeout = 10 * time.Second

// DefaultPruneTimeout is how long a ZOMBIE instance is kept before
// PruneZombies removes it.
const DefaultPruneTimeout = 300 * time.Second

// ErrLockTimeout is returned when the advisory file lock cannot be
// acquired within lockTimeout.
var ErrLockTimeout = errors.New("registry: timed out acquiring file lock")

// Registry is the host-local shared catalog of gateway processes. The
// zero value is not usable — create instances with New.
type Registry struct {
	path     string
	lockPath string
}

// New creates a Registry backed by instances.json (and its companion
// instances.lock) under dataDir. dataDir is created on first write if
// missing.
func New(dataDir string) *Registry {
	return &Registry{
		path:     filepath.Join(dataDir, "instances.json"),
		lockPath: filepath.Join(dataDir, "instances.lock"),
	}
}

// Path returns the registry document's on-disk path.
func (r *Registry) Path() string { return r.path }

// withLock acquires the advisory file lock, loads the document
// (self-healing a corrupt or missing file to an empty one), runs fn, and
// persists the result if fn reports a mutation. Disk errors encountered
// after a successful lock acquisition are surfaced to the caller.
func (r *Registry) withLock(ctx context.Context, fn func(doc *Document) (mutated bool, err error)) error {
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0o755); err != nil {
		return fmt.Errorf("registry: preparing data dir: %w", err)
	}

	fileLock := flock.New(r.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockTimeout
		}
		return fmt.Errorf("registry: acquiring lock: %w", err)
	}
	if !locked {
		return ErrLockTimeout
	}
	defer func() { _ = fileLock.Unlock() }()

	doc := r.load()

	mutated, err := fn(doc)
	if err != nil {
		return err
	}
	if !mutated {
		return nil
	}
	return r.save(doc)
}

// load reads the document off disk. A missing file or one that fails to
// parse is treated as an empty document — corruption never propagates
// upward, per the self-healing contract.
func (r *Registry) load() *Document {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return newDocument()
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return newDocument()
	}
	if doc.Instances == nil {
		doc.Instances = make(map[string]*InstanceInfo)
	}
	if doc.LifecycleEvents == nil {
		doc.LifecycleEvents = []LifecycleEvent{}
	}
	return &doc
}

// save atomically writes doc to disk via write-temp-then-rename, so
// readers always see either the old or the new document, never a partial
// write.
func (r *Registry) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshaling document: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("registry: writing temp document: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("registry: renaming temp document: %w", err)
	}
	return nil
}

func pidKey(pid int) string { return strconv.Itoa(pid) }

// Register inserts or refreshes pid's entry. If pid was previously
// unknown, it is inserted LIVE_NO_PROJECT with an INSTANCE_STARTED event.
// If pid was already known, its port/context/modes/heartbeat are updated;
// a prior ZOMBIE is restored to LIVE_NO_PROJECT, clearing any recorded
// workspace, with a HEARTBEAT_RESTORED event.
func (r *Registry) Register(ctx context.Context, pid, port int, contextName string, modes []string) (InstanceInfo, error) {
	var out InstanceInfo
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		now := time.Now()
		key := pidKey(pid)

		inst, exists := doc.Instances[key]
		if !exists {
			inst = &InstanceInfo{
				PID:       pid,
				Port:      port,
				StartedAt: now,
				State:     types.InstanceLiveNoProject,
				Context:   contextName,
				Modes:     append([]string{}, modes...),
			}
			inst.LastHeartbeat = now
			doc.Instances[key] = inst
			doc.appendEvent(LifecycleEvent{
				Timestamp: now, Type: types.EventInstanceStarted, PID: pid, Port: port,
			})
			out = *inst
			return true, nil
		}

		wasZombie := inst.State == types.InstanceZombie
		inst.Port = port
		inst.Context = contextName
		inst.Modes = append([]string{}, modes...)
		inst.LastHeartbeat = now

		if wasZombie {
			inst.State = types.InstanceLiveNoProject
			inst.WorkspaceName = ""
			inst.WorkspaceRoot = ""
			inst.ZombieDetectedAt = nil
			doc.appendEvent(LifecycleEvent{
				Timestamp: now, Type: types.EventHeartbeatRestore, PID: pid, Port: port,
			})
		}

		out = *inst
		return true, nil
	})
	return out, err
}

func liveStateForProject(workspaceName string) types.InstanceState {
	if workspaceName == "" {
		return types.InstanceLiveNoProject
	}
	return types.InstanceLiveWithProject
}

// UpdateProject updates pid's active project. A non-empty name
// transitions to LIVE_WITH_PROJECT, emitting PROJECT_ACTIVATED if the
// name changed. An empty name, when a project was previously set,
// transitions to LIVE_NO_PROJECT and emits PROJECT_DEACTIVATED. No-op if
// pid is unknown.
func (r *Registry) UpdateProject(ctx context.Context, pid int, name, root string) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		inst, exists := doc.Instances[pidKey(pid)]
		if !exists {
			return false, nil
		}
		now := time.Now()
		prevName := inst.WorkspaceName

		if name != "" {
			inst.WorkspaceName = name
			inst.WorkspaceRoot = root
			inst.State = types.InstanceLiveWithProject
			if prevName != name {
				doc.appendEvent(LifecycleEvent{
					Timestamp: now, Type: types.EventProjectActivate, PID: pid,
					WorkspaceName: name,
				})
			}
			return true, nil
		}

		if prevName != "" {
			inst.WorkspaceName = ""
			inst.WorkspaceRoot = ""
			inst.State = types.InstanceLiveNoProject
			doc.appendEvent(LifecycleEvent{
				Timestamp: now, Type: types.EventProjectDeactivate, PID: pid,
				WorkspaceName: prevName,
			})
			return true, nil
		}
		return false, nil
	})
}

// UpdateHeartbeat touches pid's last-heartbeat. If pid was ZOMBIE, it is
// restored to LIVE_WITH_PROJECT or LIVE_NO_PROJECT based on whether a
// project is currently set, emitting HEARTBEAT_RESTORED.
func (r *Registry) UpdateHeartbeat(ctx context.Context, pid int) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		inst, exists := doc.Instances[pidKey(pid)]
		if !exists {
			return false, nil
		}
		now := time.Now()
		inst.LastHeartbeat = now

		if inst.State == types.InstanceZombie {
			inst.State = liveStateForProject(inst.WorkspaceName)
			inst.ZombieDetectedAt = nil
			doc.appendEvent(LifecycleEvent{
				Timestamp: now, Type: types.EventHeartbeatRestore, PID: pid, Port: inst.Port,
			})
		}
		return true, nil
	})
}

// MarkZombie transitions pid to ZOMBIE. Idempotent: only the first call
// after a live state emits ZOMBIE_DETECTED.
func (r *Registry) MarkZombie(ctx context.Context, pid int) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		inst, exists := doc.Instances[pidKey(pid)]
		if !exists {
			return false, nil
		}
		if inst.State == types.InstanceZombie {
			return false, nil
		}
		now := time.Now()
		inst.State = types.InstanceZombie
		inst.ZombieDetectedAt = &now
		doc.appendEvent(LifecycleEvent{
			Timestamp: now, Type: types.EventZombieDetected, PID: pid, Port: inst.Port,
		})
		return true, nil
	})
}

// Unregister removes pid, emitting INSTANCE_STOPPED.
func (r *Registry) Unregister(ctx context.Context, pid int) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		key := pidKey(pid)
		inst, exists := doc.Instances[key]
		if !exists {
			return false, nil
		}
		doc.appendEvent(LifecycleEvent{
			Timestamp: time.Now(), Type: types.EventInstanceStopped, PID: pid, Port: inst.Port,
		})
		delete(doc.Instances, key)
		return true, nil
	})
}

// PruneZombies removes every ZOMBIE instance whose zombie-detected-at is
// older than timeout, emitting ZOMBIE_PRUNED for each, and returns the
// pruned pids.
func (r *Registry) PruneZombies(ctx context.Context, timeout time.Duration) ([]int, error) {
	var pruned []int
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		now := time.Now()
		for key, inst := range doc.Instances {
			if inst.State != types.InstanceZombie || inst.ZombieDetectedAt == nil {
				continue
			}
			if now.Sub(*inst.ZombieDetectedAt) <= timeout {
				continue
			}
			doc.appendEvent(LifecycleEvent{
				Timestamp: now, Type: types.EventZombiePruned, PID: inst.PID, Port: inst.Port,
			})
			delete(doc.Instances, key)
			pruned = append(pruned, inst.PID)
		}
		return len(pruned) > 0, nil
	})
	return pruned, err
}

// RecordForceKill emits ZOMBIE_FORCE_KILLED for pid and removes the entry
// if success is true.
func (r *Registry) RecordForceKill(ctx context.Context, pid int, success bool) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		key := pidKey(pid)
		inst, exists := doc.Instances[key]
		port := 0
		if exists {
			port = inst.Port
		}
		doc.appendEvent(LifecycleEvent{
			Timestamp: time.Now(), Type: types.EventZombieForceKilled, PID: pid, Port: port,
			Message: fmt.Sprintf("success=%t", success),
		})
		if success && exists {
			delete(doc.Instances, key)
		}
		return true, nil
	})
}

// SetGlobalDashboard records which pid/port owns the singleton fleet
// dashboard.
func (r *Registry) SetGlobalDashboard(ctx context.Context, pid, port int) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		doc.GlobalDashboardPID = pid
		doc.GlobalDashboardPort = port
		return true, nil
	})
}

// GetGlobalDashboardPort returns the currently recorded dashboard port, or
// 0 if none is set.
func (r *Registry) GetGlobalDashboardPort(ctx context.Context) (int, error) {
	var port int
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		port = doc.GlobalDashboardPort
		return false, nil
	})
	return port, err
}

// ClearGlobalDashboard clears the dashboard record only if it is
// currently owned by pid — this prevents a late-arriving shutdown from
// one process clearing a fresh dashboard record registered by another.
func (r *Registry) ClearGlobalDashboard(ctx context.Context, pid int) error {
	return r.withLock(ctx, func(doc *Document) (bool, error) {
		if doc.GlobalDashboardPID != pid {
			return false, nil
		}
		doc.GlobalDashboardPID = 0
		doc.GlobalDashboardPort = 0
		return true, nil
	})
}

// Get returns a snapshot of pid's InstanceInfo, or false if unknown.
func (r *Registry) Get(ctx context.Context, pid int) (InstanceInfo, bool, error) {
	var out InstanceInfo
	var found bool
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		inst, exists := doc.Instances[pidKey(pid)]
		if exists {
			out = *inst
			found = true
		}
		return false, nil
	})
	return out, found, err
}

// List returns a snapshot of every registered instance.
func (r *Registry) List(ctx context.Context) ([]InstanceInfo, error) {
	var out []InstanceInfo
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		out = make([]InstanceInfo, 0, len(doc.Instances))
		for _, inst := range doc.Instances {
			out = append(out, *inst)
		}
		return false, nil
	})
	return out, err
}

// LifecycleEvents returns up to limit of the most recent events, oldest
// first. A non-positive limit returns every retained event.
func (r *Registry) LifecycleEvents(ctx context.Context, limit int) ([]LifecycleEvent, error) {
	var out []LifecycleEvent
	err := r.withLock(ctx, func(doc *Document) (bool, error) {
		events := doc.LifecycleEvents
		if limit > 0 && limit < len(events) {
			events = events[len(events)-limit:]
		}
		out = append([]LifecycleEvent{}, events...)
		return false, nil
	})
	return out, err
}
