package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// heartbeatInterval is how often the bridge refreshes its session's
// last-activity timestamp on the server.
const heartbeatInterval = 30 * time.Second

// Config supplies everything a Bridge needs to run.
type Config struct {
	ServerURL  string
	SessionID  string // existing session id to reconnect to, empty to create new
	ClientName string
	Logger     *zap.Logger
	Stdin      io.Reader
	Stdout     io.Writer
}

// Bridge translates line-delimited JSON-RPC 2.0 on stdin/stdout into HTTP
// calls against a CentralServer session. One Bridge serves exactly one
// session for the lifetime of the process.
type Bridge struct {
	http       *httpClient
	clientName string
	logger     *zap.Logger

	stdin  *bufio.Scanner
	stdout io.Writer
	outMu  sync.Mutex

	sessionID string

	toolsMu sync.Mutex
	tools   []any // cached tools/list result, populated lazily

	cron gocron.Scheduler
}

// New creates a Bridge. Call Connect to acquire a session, then Run to
// enter the stdio read loop.
func New(cfg Config) *Bridge {
	return &Bridge{
		http:       newHTTPClient(cfg.ServerURL),
		clientName: cfg.ClientName,
		logger:     cfg.Logger.Named("mcp_bridge"),
		stdin:      bufio.NewScanner(cfg.Stdin),
		stdout:     cfg.Stdout,
		sessionID:  cfg.SessionID,
	}
}

// Connect acquires a session: if a session id was supplied, it is
// reconnected to via GET /sessions/{sid}; on 404 or any transport error, a
// new session is created instead via POST /sessions.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.sessionID != "" {
		info, err := b.http.getSession(ctx, b.sessionID)
		if err == nil && info != nil {
			b.logger.Info("reconnected to session", zap.String("session_id", b.sessionID))
			return nil
		}
		if err != nil {
			b.logger.Warn("failed to reconnect to session, creating new", zap.Error(err))
		} else {
			b.logger.Warn("session not found, creating new", zap.String("session_id", b.sessionID))
		}
		b.sessionID = ""
	}

	sid, err := b.http.createSession(ctx, b.clientName)
	if err != nil {
		return fmt.Errorf("bridge: creating session: %w", err)
	}
	b.sessionID = sid
	b.logger.Info("created session", zap.String("session_id", sid))
	return nil
}

// StartHeartbeat begins the background heartbeat loop. Failures are
// logged but never terminate the bridge.
func (b *Bridge) StartHeartbeat() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("bridge: creating heartbeat scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(heartbeatInterval),
		gocron.NewTask(b.heartbeatOnce),
	)
	if err != nil {
		return fmt.Errorf("bridge: scheduling heartbeat: %w", err)
	}
	b.cron = cron
	cron.Start()
	return nil
}

func (b *Bridge) heartbeatOnce() {
	if err := b.http.heartbeat(context.Background(), b.sessionID); err != nil {
		b.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// Run reads JSON-RPC requests from stdin until EOF or a scanner error,
// dispatching each to the matching handler and writing its response (if
// any) to stdout.
func (b *Bridge) Run(ctx context.Context) error {
	for b.stdin.Scan() {
		line := b.stdin.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			b.logger.Error("invalid JSON on stdin", zap.Error(err))
			continue
		}

		resp := b.dispatch(ctx, req)
		if resp == nil {
			continue
		}
		if err := b.writeResponse(*resp); err != nil {
			b.logger.Error("failed to write response", zap.Error(err))
		}
	}
	if err := b.stdin.Err(); err != nil {
		return fmt.Errorf("bridge: reading stdin: %w", err)
	}
	return nil
}

func (b *Bridge) writeResponse(resp Response) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = b.stdout.Write(data)
	return err
}

// Shutdown stops the heartbeat loop and best-effort disconnects the
// session, capped at 5s.
func (b *Bridge) Shutdown() {
	if b.cron != nil {
		_ = b.cron.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.http.deleteSession(ctx, b.sessionID); err != nil {
		b.logger.Warn("error disconnecting session", zap.Error(err))
	}
}
