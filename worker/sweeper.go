package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/types"
)

// Compensator undoes external side effects of a session that died mid-flight,
// e.g. refunding a consumed invitation-code usage. Implementations MUST be
// idempotent per (user, session version).
type Compensator interface {
	Compensate(ctx context.Context, userID, sessionVersionID string) error
}

// Sweeper reclaims sessions whose owning worker node is gone. It runs once at
// worker startup, before the node accepts work. Concurrent sweeps are safe:
// all status writes are transition-guarded.
type Sweeper struct {
	broker      *broker.Broker
	store       *store.Store
	compensator Compensator // optional
	metrics     *Metrics
	logger      *zap.Logger
}

// NewSweeper 创建恢复清扫器。
func NewSweeper(b *broker.Broker, st *store.Store, comp Compensator, metrics *Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{broker: b, store: st, compensator: comp, metrics: metrics, logger: logger}
}

// Sweep terminates every IN_PROGRESS session whose owner node is dead and
// compensates the affected users. Returns the number of reclaimed sessions.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	inProgress, err := s.store.ListSessionVersionsByStatus(ctx, types.SessionVersionStatusInProgress)
	if err != nil {
		return 0, err
	}

	var dead []types.SessionVersion
	for _, sv := range inProgress {
		owner, err := s.broker.GetOwner(ctx, sv.ID)
		if err != nil {
			s.logger.Warn("owner lookup failed", zap.String("session_version_id", sv.ID), zap.Error(err))
			continue
		}
		if owner != "" {
			alive, err := s.broker.IsNodeAlive(ctx, owner)
			if err != nil {
				s.logger.Warn("heartbeat lookup failed", zap.String("node_id", owner), zap.Error(err))
				continue
			}
			if alive {
				continue
			}
		}
		// 无主或属主心跳消失, 判定为孤儿会话
		dead = append(dead, sv)
	}
	if len(dead) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(dead))
	for _, sv := range dead {
		ids = append(ids, sv.ID)
	}
	if err := s.store.UpdateSessionVersionStatus(ctx, ids, types.SessionVersionStatusTerminated, nil); err != nil {
		return 0, err
	}
	// 会话行已终态, 后续清扫不会再访问; 任务更新失败也必须继续补偿
	if err := s.store.TerminateTasks(ctx, ids); err != nil {
		s.logger.Error("terminate tasks failed", zap.Error(err))
	}

	for _, sv := range dead {
		if err := s.broker.ClearSession(ctx, sv.ID); err != nil {
			s.logger.Warn("clear session keys failed", zap.String("session_version_id", sv.ID), zap.Error(err))
		}
		if err := s.broker.ClearOwner(ctx, sv.ID); err != nil {
			s.logger.Warn("clear owner failed", zap.String("session_version_id", sv.ID), zap.Error(err))
		}
		if s.compensator != nil {
			if err := s.compensator.Compensate(ctx, sv.UserID, sv.ID); err != nil {
				s.logger.Error("compensation failed",
					zap.String("user_id", sv.UserID),
					zap.String("session_version_id", sv.ID),
					zap.Error(err))
			} else if s.metrics != nil {
				s.metrics.Compensations.Inc()
			}
		}
		if s.metrics != nil {
			s.metrics.SweptSessions.Inc()
		}
	}

	s.logger.Info("recovery sweep finished", zap.Int("reclaimed", len(dead)))
	return len(dead), nil
}
