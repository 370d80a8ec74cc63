package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir())
}

func TestRegisterIsIdempotentForSamePID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 100, 9001, "ide", []string{"read"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(ctx, 100, 9002, "ide", []string{"read", "write"}); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].Port != 9002 {
		t.Errorf("Port = %d, want 9002 (refreshed)", list[0].Port)
	}
}

func TestZombieLifecycleRestoresOnHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 200, 9001, "ide", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.MarkZombie(ctx, 200); err != nil {
		t.Fatalf("MarkZombie: %v", err)
	}

	inst, found, err := r.Get(ctx, 200)
	if err != nil || !found {
		t.Fatalf("Get after MarkZombie: found=%v err=%v", found, err)
	}
	if inst.State != types.InstanceZombie {
		t.Fatalf("State = %q, want zombie", inst.State)
	}

	if err := r.UpdateHeartbeat(ctx, 200); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	inst, _, err = r.Get(ctx, 200)
	if err != nil {
		t.Fatalf("Get after UpdateHeartbeat: %v", err)
	}
	if inst.State != types.InstanceLiveNoProject {
		t.Errorf("State after heartbeat restore = %q, want live_no_project", inst.State)
	}

	events, err := r.LifecycleEvents(ctx, 0)
	if err != nil {
		t.Fatalf("LifecycleEvents: %v", err)
	}
	var sawRestore bool
	for _, e := range events {
		if e.Type == types.EventHeartbeatRestore {
			sawRestore = true
		}
	}
	if !sawRestore {
		t.Error("expected a HEARTBEAT_RESTORED event")
	}
}

func TestMarkZombieIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 300, 9001, "ide", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.MarkZombie(ctx, 300); err != nil {
		t.Fatalf("first MarkZombie: %v", err)
	}
	if err := r.MarkZombie(ctx, 300); err != nil {
		t.Fatalf("second MarkZombie: %v", err)
	}

	events, err := r.LifecycleEvents(ctx, 0)
	if err != nil {
		t.Fatalf("LifecycleEvents: %v", err)
	}
	count := 0
	for _, e := range events {
		if e.Type == types.EventZombieDetected {
			count++
		}
	}
	if count != 1 {
		t.Errorf("ZOMBIE_DETECTED count = %d, want 1 (idempotent)", count)
	}
}

func TestPruneZombiesRespectsTimeoutBoundary(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 400, 9001, "ide", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.MarkZombie(ctx, 400); err != nil {
		t.Fatalf("MarkZombie: %v", err)
	}

	// Not yet old enough: this instance just became a zombie, so pruning
	// with a one-hour timeout must not collect it.
	pruned, err := r.PruneZombies(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneZombies (not due): %v", err)
	}
	if len(pruned) != 0 {
		t.Fatalf("pruned = %v, want none (within timeout)", pruned)
	}

	// Backdate the zombie-detected timestamp directly on disk to simulate
	// elapsed time, then prune with a short timeout.
	doc := r.load()
	past := time.Now().Add(-time.Hour)
	doc.Instances[pidKey(400)].ZombieDetectedAt = &past
	if err := r.save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	pruned, err = r.PruneZombies(ctx, time.Minute)
	if err != nil {
		t.Fatalf("PruneZombies (due): %v", err)
	}
	if len(pruned) != 1 || pruned[0] != 400 {
		t.Fatalf("pruned = %v, want [400]", pruned)
	}

	_, found, err := r.Get(ctx, 400)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected pruned instance to be removed")
	}
}

func TestGlobalDashboardClearOnlyByOwner(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.SetGlobalDashboard(ctx, 500, 7777); err != nil {
		t.Fatalf("SetGlobalDashboard: %v", err)
	}

	if err := r.ClearGlobalDashboard(ctx, 999); err != nil {
		t.Fatalf("ClearGlobalDashboard (wrong pid): %v", err)
	}
	port, err := r.GetGlobalDashboardPort(ctx)
	if err != nil {
		t.Fatalf("GetGlobalDashboardPort: %v", err)
	}
	if port != 7777 {
		t.Errorf("port after wrong-pid clear = %d, want 7777 (unchanged)", port)
	}

	if err := r.ClearGlobalDashboard(ctx, 500); err != nil {
		t.Fatalf("ClearGlobalDashboard (owner): %v", err)
	}
	port, err = r.GetGlobalDashboardPort(ctx)
	if err != nil {
		t.Fatalf("GetGlobalDashboardPort: %v", err)
	}
	if port != 0 {
		t.Errorf("port after owner clear = %d, want 0", port)
	}
}

func TestCorruptDocumentSelfHeals(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := os.WriteFile(r.Path(), []byte("{ not valid json"), 0o644); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}

	ctx := context.Background()
	if _, err := r.Register(ctx, 600, 9001, "ide", nil); err != nil {
		t.Fatalf("Register after corrupt seed: %v", err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1 (self-healed)", len(list))
	}
}

func TestMissingDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "nested"))

	ctx := context.Background()
	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List on missing doc: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len(list) = %d, want 0", len(list))
	}
}

func TestUnregisterRemovesInstance(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 700, 9001, "ide", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister(ctx, 700); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	_, found, err := r.Get(ctx, 700)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected instance to be gone after Unregister")
	}
}

func TestUpdateProjectTransitionsState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 800, 9001, "ide", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.UpdateProject(ctx, 800, "myproj", "/workspace/myproj"); err != nil {
		t.Fatalf("UpdateProject (activate): %v", err)
	}
	inst, _, err := r.Get(ctx, 800)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != types.InstanceLiveWithProject || inst.WorkspaceName != "myproj" {
		t.Fatalf("inst = %+v, want live_with_project/myproj", inst)
	}

	if err := r.UpdateProject(ctx, 800, "", ""); err != nil {
		t.Fatalf("UpdateProject (deactivate): %v", err)
	}
	inst, _, err = r.Get(ctx, 800)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != types.InstanceLiveNoProject {
		t.Errorf("State after deactivate = %q, want live_no_project", inst.State)
	}
}
