// Package fleet implements FleetDashboard: a thin, stateless aggregator
// whose only source of truth is the cross-process InstanceRegistry. It
// proxies diagnostics to individual instances over loopback HTTP and
// drives the zombie lifecycle (detect → mark → force-kill → record).
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/types"
	"github.com/coderelay/coderelay/internal/wsfeed"
)

const (
	healthCheckInterval = 5 * time.Second
	healthCheckTimeout  = 2 * time.Second
	pruneInterval       = 60 * time.Second
	pruneTimeout        = registry.DefaultPruneTimeout
	proxyTimeout        = 5 * time.Second

	// forceKillGrace is how long SIGTERM is given to take effect before
	// the dashboard checks liveness and escalates to SIGKILL.
	forceKillGrace = 500 * time.Millisecond

	maxPortScan = 100
)

// Dashboard owns no authoritative state of its own — every read goes
// through the registry, and every background worker's job is to keep the
// registry's view of instance health current.
type Dashboard struct {
	logger *zap.Logger
	reg    *registry.Registry
	client *http.Client
	killer ProcessKiller
	feed   *wsfeed.Feed    // optional; nil unless a caller wires one in
	metr   *metrics.Fleet  // optional; nil unless a caller wires one in

	cron gocron.Scheduler

	broadcastMu        sync.Mutex
	lastBroadcastCount int
}

// SetFeed attaches a live WebSocket feed: newly observed registry events
// are broadcast to its subscribers on every health-check tick. Call
// before Start.
func (d *Dashboard) SetFeed(feed *wsfeed.Feed) {
	d.feed = feed
}

// SetMetrics attaches a prometheus collector set: instance/zombie gauges
// are updated on every health-check tick, and the force-kill counter on
// every force-kill attempt against a zombie instance, whatever its
// outcome. Call before Start.
func (d *Dashboard) SetMetrics(m *metrics.Fleet) {
	d.metr = m
}

// ProcessKiller sends OS signals to a pid and checks liveness. The default
// implementation (signalKiller) uses real OS signals; tests substitute a
// fake to avoid touching real processes.
type ProcessKiller interface {
	Terminate(pid int) error
	Alive(pid int) bool
	Kill(pid int) error
}

// Config supplies everything New needs.
type Config struct {
	Logger   *zap.Logger
	Registry *registry.Registry
	Killer   ProcessKiller
}

// New creates a Dashboard. Call Start to begin the background health
// checker and pruner.
func New(cfg Config) *Dashboard {
	killer := cfg.Killer
	if killer == nil {
		killer = signalKiller{}
	}
	return &Dashboard{
		logger: cfg.Logger.Named("fleet_dashboard"),
		reg:    cfg.Registry,
		client: &http.Client{Timeout: proxyTimeout},
		killer: killer,
	}
}

// Start begins the background health checker (every 5s) and zombie
// pruner (every 60s).
func (d *Dashboard) Start() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("fleet: creating scheduler: %w", err)
	}

	if _, err := cron.NewJob(gocron.DurationJob(healthCheckInterval), gocron.NewTask(d.checkHealthOnce)); err != nil {
		return fmt.Errorf("fleet: scheduling health checker: %w", err)
	}
	if _, err := cron.NewJob(gocron.DurationJob(pruneInterval), gocron.NewTask(d.pruneOnce)); err != nil {
		return fmt.Errorf("fleet: scheduling pruner: %w", err)
	}

	d.cron = cron
	cron.Start()
	return nil
}

// Shutdown stops the background workers.
func (d *Dashboard) Shutdown() {
	if d.cron != nil {
		_ = d.cron.Shutdown()
	}
}

// checkHealthOnce probes every non-zombie instance's /heartbeat endpoint.
// A failing probe marks the instance zombie; a successful one refreshes
// its heartbeat. Both transitions are idempotent and audit-logged by the
// registry itself.
func (d *Dashboard) checkHealthOnce() {
	ctx := context.Background()
	instances, err := d.reg.List(ctx)
	if err != nil {
		d.logger.Debug("health checker: listing instances failed", zap.Error(err))
		return
	}

	for _, inst := range instances {
		if inst.State == types.InstanceZombie {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		url := fmt.Sprintf("http://127.0.0.1:%d/heartbeat", inst.Port)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := d.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 400 {
					if upErr := d.reg.UpdateHeartbeat(ctx, inst.PID); upErr != nil {
						d.logger.Debug("health checker: update heartbeat failed", zap.Error(upErr))
					}
					cancel()
					continue
				}
			}
		}
		cancel()

		if zErr := d.reg.MarkZombie(ctx, inst.PID); zErr != nil {
			d.logger.Debug("health checker: mark zombie failed", zap.Error(zErr))
		}
	}

	if d.metr != nil {
		zombies := 0
		for _, inst := range instances {
			if inst.State == types.InstanceZombie {
				zombies++
			}
		}
		d.metr.RegisteredInstances.Set(float64(len(instances)))
		d.metr.ZombieInstances.Set(float64(zombies))
	}

	d.broadcastNewEvents(ctx)
}

// broadcastNewEvents pushes any registry lifecycle events appended since
// the last tick to the live feed, if one is attached. Comparing ring
// length is sufficient here since the registry's ring only ever grows
// (or truncates from the front, which this dashboard's poll cadence is
// fast enough to not need to reconcile precisely for a best-effort feed).
func (d *Dashboard) broadcastNewEvents(ctx context.Context) {
	if d.feed == nil {
		return
	}

	events, err := d.reg.LifecycleEvents(ctx, 1000)
	if err != nil {
		return
	}

	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()

	if len(events) <= d.lastBroadcastCount {
		d.lastBroadcastCount = len(events)
		return
	}
	for _, e := range events[d.lastBroadcastCount:] {
		d.feed.Broadcast(e)
	}
	d.lastBroadcastCount = len(events)
}

// pruneOnce removes zombie instances past the default prune timeout.
func (d *Dashboard) pruneOnce() {
	pruned, err := d.reg.PruneZombies(context.Background(), pruneTimeout)
	if err != nil {
		d.logger.Debug("pruner: failed", zap.Error(err))
		return
	}
	if len(pruned) > 0 {
		d.logger.Info("pruned zombie instances", zap.Ints("pids", pruned))
	}
}

// Instances returns every registered instance, oldest-started first.
func (d *Dashboard) Instances(ctx context.Context) ([]registry.InstanceInfo, error) {
	instances, err := d.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	// Stable oldest-first ordering for the dashboard's instance list.
	for i := 1; i < len(instances); i++ {
		for j := i; j > 0 && instances[j].StartedAt.Before(instances[j-1].StartedAt); j-- {
			instances[j], instances[j-1] = instances[j-1], instances[j]
		}
	}
	return instances, nil
}

// LifecycleEvents returns up to limit of the most recent registry events.
func (d *Dashboard) LifecycleEvents(ctx context.Context, limit int) ([]registry.LifecycleEvent, error) {
	return d.reg.LifecycleEvents(ctx, limit)
}

// ProxyTo forwards an HTTP call to the given instance's loopback port.
// body, if non-nil, is sent as-is as the request body (already-encoded
// JSON). A successful call refreshes the instance's heartbeat; a
// transport failure marks it zombie. Refuses to proxy to a known zombie.
func (d *Dashboard) ProxyTo(ctx context.Context, pid int, method, path string, body []byte) (json.RawMessage, error) {
	inst, found, err := d.reg.Get(ctx, pid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownInstance
	}
	if inst.State == types.InstanceZombie {
		return nil, ErrInstanceIsZombie
	}

	result, err := d.doProxyRequest(ctx, inst.Port, method, path, body)
	if err != nil {
		if zErr := d.reg.MarkZombie(ctx, pid); zErr != nil {
			d.logger.Debug("proxy: mark zombie failed", zap.Error(zErr))
		}
		return nil, fmt.Errorf("fleet: failed to reach instance %d: %w", pid, err)
	}

	if upErr := d.reg.UpdateHeartbeat(ctx, pid); upErr != nil {
		d.logger.Debug("proxy: update heartbeat failed", zap.Error(upErr))
	}
	return result, nil
}

func (d *Dashboard) doProxyRequest(ctx context.Context, port int, method, path string, body []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("instance returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ForceKill refuses any instance not currently in the zombie state. It
// sends SIGTERM, waits forceKillGrace, checks liveness, and escalates to
// SIGKILL if the process is still alive. The outcome is always recorded
// in the registry, and the entry is removed on success.
func (d *Dashboard) ForceKill(ctx context.Context, pid int) (bool, error) {
	inst, found, err := d.reg.Get(ctx, pid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrUnknownInstance
	}
	if inst.State != types.InstanceZombie {
		return false, ErrNotZombie
	}

	if err := d.killer.Terminate(pid); err != nil {
		_ = d.reg.RecordForceKill(ctx, pid, false)
		if d.metr != nil {
			d.metr.ForceKillsTotal.Inc()
		}
		return false, err
	}

	time.Sleep(forceKillGrace)

	success := true
	if d.killer.Alive(pid) {
		if err := d.killer.Kill(pid); err != nil {
			success = false
		}
	}

	if recErr := d.reg.RecordForceKill(ctx, pid, success); recErr != nil {
		d.logger.Warn("failed to record force-kill outcome", zap.Error(recErr))
	}
	if d.metr != nil {
		d.metr.ForceKillsTotal.Inc()
	}
	return success, nil
}

// SelectPort implements the dashboard's singleton port-selection policy:
// if a registered global dashboard exists and answers the instances probe,
// reuse its port; otherwise take preferred if it is free, reuse it if
// whatever holds it answers the probe, and else scan upward (up to
// maxPortScan ports) for a free one.
func (d *Dashboard) SelectPort(ctx context.Context, preferred int) (int, reused bool, err error) {
	existingPort, err := d.reg.GetGlobalDashboardPort(ctx)
	if err != nil {
		return 0, false, err
	}
	if existingPort != 0 && d.answersInstancesProbe(ctx, existingPort) {
		return existingPort, true, nil
	}

	if !portInUse(preferred) {
		return preferred, false, nil
	}
	if d.answersInstancesProbe(ctx, preferred) {
		return preferred, true, nil
	}

	for port := preferred + 1; port < preferred+1+maxPortScan; port++ {
		if !portInUse(port) {
			return port, false, nil
		}
	}
	return 0, false, fmt.Errorf("fleet: no free port found after scanning %d ports from %d", maxPortScan, preferred)
}

func (d *Dashboard) answersInstancesProbe(ctx context.Context, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/global-dashboard/api/instances", port)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
