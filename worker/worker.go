// Package worker implements the distributed scheduler: a pool of processes
// pulling session ids off a shared queue, bounded by a semaphore, with
// node-level heartbeats, task ownership and startup crash recovery.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/types"
)

// SessionRunner executes one session version to a terminal status. In
// production this constructs and runs a manager.Manager.
type SessionRunner func(ctx context.Context, sv *types.SessionVersion) error

// Config tunes one worker process.
type Config struct {
	MaxConcurrency int64         // session slots, default 32
	HeartbeatTTL   time.Duration // default 30s, refreshed every half-TTL
	PopTimeout     time.Duration // BLPOP timeout, default 5s
	OwnerTTL       time.Duration // default 24h; must stay >= 2x HeartbeatTTL
	SessionTimeout time.Duration // session wall-clock bound, default 12h
}

func (c *Config) fill() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 32
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.OwnerTTL < 2*c.HeartbeatTTL {
		c.OwnerTTL = 24 * time.Hour
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 12 * time.Hour
	}
}

// Worker is one scheduler process.
type Worker struct {
	nodeID  string
	broker  *broker.Broker
	store   *store.Store
	sweeper *Sweeper
	runner  SessionRunner
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewNodeID returns a stable per-process node identity, hostname-random8.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(buf))
}

// New 创建 worker 进程。
func New(b *broker.Broker, st *store.Store, sweeper *Sweeper, runner SessionRunner, metrics *Metrics, cfg Config, logger *zap.Logger) *Worker {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	nodeID := NewNodeID()
	return &Worker{
		nodeID:  nodeID,
		broker:  b,
		store:   st,
		sweeper: sweeper,
		runner:  runner,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		// 出错后的拉取节流, 避免对故障 broker busy-loop
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		metrics: metrics,
		logger:  logger.With(zap.String("node_id", nodeID)),
	}
}

// NodeID returns this worker's identity.
func (w *Worker) NodeID() string { return w.nodeID }

// Run sweeps, heartbeats and pulls until ctx is canceled, then drains the
// in-flight sessions. Cancel ctx on SIGTERM for a graceful shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if w.sweeper != nil {
		if _, err := w.sweeper.Sweep(ctx); err != nil {
			return fmt.Errorf("recovery sweep: %w", err)
		}
	}
	if err := w.broker.Heartbeat(ctx, w.nodeID, w.cfg.HeartbeatTTL); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	go w.heartbeatLoop(ctx)

	w.logger.Info("worker started",
		zap.Int64("max_concurrency", w.cfg.MaxConcurrency),
		zap.Duration("heartbeat_ttl", w.cfg.HeartbeatTTL))

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break // canceled
		}
		id, err := w.broker.BlockingPop(ctx, w.cfg.PopTimeout)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if w.metrics != nil {
				w.metrics.BrokerErrors.Inc()
			}
			w.logger.Warn("queue pop failed", zap.Error(err))
			_ = w.limiter.Wait(ctx)
			continue
		}
		if id == "" {
			w.sem.Release(1)
			if w.metrics != nil {
				w.metrics.QueueWaitTimeout.Inc()
			}
			continue
		}
		w.launch(ctx, id)
	}

	w.logger.Info("worker draining")
	w.wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

// launch claims ownership and runs the session on its own goroutine. The
// semaphore slot is held until the session settles. The session runs detached
// from the pull-loop ctx so a SIGTERM drain lets it reach a clean transition
// point; only the wall-clock timeout bounds it.
func (w *Worker) launch(ctx context.Context, sessionVersionID string) {
	if w.metrics != nil {
		w.metrics.SessionsStarted.Inc()
		w.metrics.ActiveSessions.Inc()
	}
	w.wg.Add(1)
	go func() {
		base := context.WithoutCancel(ctx)
		runCtx, cancel := context.WithTimeout(base, w.cfg.SessionTimeout)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("session runner panic",
					zap.String("session_version_id", sessionVersionID),
					zap.Any("panic", r))
			}
			cancel()
			_ = w.broker.ClearOwner(base, sessionVersionID)
			if w.metrics != nil {
				w.metrics.ActiveSessions.Dec()
			}
			w.sem.Release(1)
			w.wg.Done()
		}()

		if err := w.broker.SetOwner(runCtx, sessionVersionID, w.nodeID, w.cfg.OwnerTTL); err != nil {
			w.logger.Error("claim ownership failed",
				zap.String("session_version_id", sessionVersionID), zap.Error(err))
			return
		}
		sv, err := w.store.GetSessionVersion(runCtx, sessionVersionID)
		if err != nil {
			w.logger.Error("load session failed",
				zap.String("session_version_id", sessionVersionID), zap.Error(err))
			return
		}

		runErr := w.runner(runCtx, &sv)
		if runErr != nil {
			w.logger.Error("session run failed",
				zap.String("session_version_id", sessionVersionID), zap.Error(runErr))
		}
		if w.metrics != nil {
			w.metrics.SessionsSettled.WithLabelValues(string(sv.Status)).Inc()
		}
	}()
}

// heartbeatLoop refreshes the liveness key every half-TTL.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.broker.Heartbeat(ctx, w.nodeID, w.cfg.HeartbeatTTL); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
