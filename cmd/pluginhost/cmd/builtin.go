package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoCodeAlone/pluginhost"
)

// HeartbeatEntryPoint is the entry point of the built-in heartbeat module.
const HeartbeatEntryPoint = "builtin:heartbeat"

// BuiltinLoader returns a FactoryLoader that knows the modules compiled into
// the pluginhost binary.
func BuiltinLoader() *pluginhost.FactoryLoader {
	l := pluginhost.NewFactoryLoader()
	l.Register(HeartbeatEntryPoint, func() pluginhost.Plugin { return &heartbeat{} })
	return l
}

// heartbeat writes a timestamp file into its data directory on every tick and
// reports unhealthy when the last write is older than three ticks.
type heartbeat struct {
	mctx     *pluginhost.ModuleContext
	interval time.Duration

	mu       sync.Mutex
	lastBeat time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func (h *heartbeat) Init(_ context.Context, mctx *pluginhost.ModuleContext) error {
	h.mctx = mctx
	h.interval = 10 * time.Second
	if v, ok := mctx.Config["interval"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("heartbeat interval: %w", err)
		}
		h.interval = d
	}
	if mctx.DataDir == "" {
		return fmt.Errorf("heartbeat needs a data directory")
	}
	return nil
}

func (h *heartbeat) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	if err := h.beat(); err != nil {
		cancel()
		return err
	}
	go h.loop(ctx)
	h.mctx.Logger.Info("Heartbeat started", "module", h.mctx.ModuleID, "interval", h.interval)
	return nil
}

func (h *heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(); err != nil {
				h.mctx.Logger.Warn("Heartbeat write failed", "module", h.mctx.ModuleID, "error", err)
			}
		}
	}
}

func (h *heartbeat) beat() error {
	now := time.Now()
	if err := os.WriteFile(filepath.Join(h.mctx.DataDir, "heartbeat"), []byte(now.Format(time.RFC3339Nano)), 0o644); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastBeat = now
	h.mu.Unlock()
	return nil
}

func (h *heartbeat) Stop(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.cancel = nil
	return nil
}

func (h *heartbeat) Destroy(context.Context) error {
	return nil
}

func (h *heartbeat) Uninstall(context.Context) error {
	return os.RemoveAll(h.mctx.DataDir)
}

func (h *heartbeat) CheckHealth(context.Context) (pluginhost.HealthStatus, error) {
	h.mu.Lock()
	last := h.lastBeat
	h.mu.Unlock()
	age := time.Since(last)
	status := pluginhost.HealthStatus{
		Healthy: age <= 3*h.interval,
		Usage:   map[string]any{"lastBeatAgeSeconds": age.Seconds()},
	}
	if !status.Healthy {
		status.Message = fmt.Sprintf("last heartbeat %s ago", age.Round(time.Second))
	}
	return status, nil
}
