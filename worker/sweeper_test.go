package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/types"
)

type countingCompensator struct {
	calls map[string]int
}

func (c *countingCompensator) Compensate(ctx context.Context, userID, sessionVersionID string) error {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[userID+"/"+sessionVersionID]++
	return nil
}

func newHarness(t *testing.T) (*broker.Broker, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := broker.New(rdb, time.Hour, nil)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())
	return b, st, mr
}

func seedInProgress(t *testing.T, st *store.Store, userID string) types.SessionVersion {
	t.Helper()
	ctx := context.Background()
	sv := types.SessionVersion{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		UserID:    userID,
		Question:  "q",
		Status:    types.SessionVersionStatusInProgress,
	}
	require.NoError(t, st.InsertSessionVersion(ctx, sv))
	require.NoError(t, st.BatchCreateTasks(ctx, []types.Task{{
		ID:               uuid.NewString(),
		SessionVersionID: sv.ID,
		StepID:           "a",
		Status:           types.TaskStatusProcessing,
	}}))
	return sv
}

func TestSweepReclaimsDeadOwnerSessions(t *testing.T) {
	b, st, _ := newHarness(t)
	ctx := context.Background()
	comp := &countingCompensator{}
	sweeper := NewSweeper(b, st, comp, nil, nil)

	// dead: owner key exists, heartbeat does not
	dead := seedInProgress(t, st, "user-dead")
	require.NoError(t, b.SetOwner(ctx, dead.ID, "node-gone", 0))
	require.NoError(t, b.SetStop(ctx, dead.ID)) // leftover volatile key

	// alive: owner with a fresh heartbeat
	alive := seedInProgress(t, st, "user-alive")
	require.NoError(t, b.SetOwner(ctx, alive.ID, "node-live", 0))
	require.NoError(t, b.Heartbeat(ctx, "node-live", 30*time.Second))

	// orphan: never claimed, owner key missing
	orphan := seedInProgress(t, st, "user-orphan")

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := st.GetSessionVersion(ctx, dead.ID)
	assert.Equal(t, types.SessionVersionStatusTerminated, got.Status)
	got, _ = st.GetSessionVersion(ctx, orphan.ID)
	assert.Equal(t, types.SessionVersionStatusTerminated, got.Status)
	got, _ = st.GetSessionVersion(ctx, alive.ID)
	assert.Equal(t, types.SessionVersionStatusInProgress, got.Status)

	// tasks of reclaimed sessions are terminated as well
	tasks, _ := st.ListTasksBySessionVersion(ctx, dead.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStatusTerminated, tasks[0].Status)
	tasks, _ = st.ListTasksBySessionVersion(ctx, alive.ID)
	assert.Equal(t, types.TaskStatusProcessing, tasks[0].Status)

	// broker state cleaned up
	assert.False(t, b.IsStopped(ctx, dead.ID))
	owner, _ := b.GetOwner(ctx, dead.ID)
	assert.Empty(t, owner)

	assert.Equal(t, 1, comp.calls["user-dead/"+dead.ID])
	assert.Equal(t, 1, comp.calls["user-orphan/"+orphan.ID])
	assert.Zero(t, comp.calls["user-alive/"+alive.ID])
}

func TestSweepIsIdempotent(t *testing.T) {
	b, st, _ := newHarness(t)
	ctx := context.Background()
	comp := &countingCompensator{}
	sweeper := NewSweeper(b, st, comp, nil, nil)

	dead := seedInProgress(t, st, "user-1")
	require.NoError(t, b.SetOwner(ctx, dead.ID, "node-gone", 0))

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a second sweep sees no IN_PROGRESS sessions and changes nothing
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, comp.calls["user-1/"+dead.ID])
}

func TestSweepCompensatesDespiteTaskUpdateFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := broker.New(rdb, time.Hour, nil)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())

	ctx := context.Background()
	comp := &countingCompensator{}
	sweeper := NewSweeper(b, st, comp, nil, nil)

	dead := seedInProgress(t, st, "user-1")
	require.NoError(t, b.SetOwner(ctx, dead.ID, "node-gone", 0))

	// once the session row is terminal a later sweep will not see it again,
	// so a failing task update must not skip the compensation
	require.NoError(t, db.Migrator().DropTable("linsight_task"))

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, comp.calls["user-1/"+dead.ID])

	got, _ := st.GetSessionVersion(ctx, dead.ID)
	assert.Equal(t, types.SessionVersionStatusTerminated, got.Status)
}

func TestSweepNoCompensatorConfigured(t *testing.T) {
	b, st, _ := newHarness(t)
	ctx := context.Background()
	sweeper := NewSweeper(b, st, nil, nil, nil)

	dead := seedInProgress(t, st, "user-1")
	require.NoError(t, b.SetOwner(ctx, dead.ID, "node-gone", 0))

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
