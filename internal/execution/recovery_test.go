package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/persistence"
)

// crashedGroup 构造一个“进程在 status 阶段崩溃”的组：两条腿都已下单并持久化了引用。
func crashedGroup(t *testing.T, gw *fakeGateway, id string, status domain.GroupStatus, deadline time.Time) *domain.Group {
	t.Helper()
	ctx := context.Background()
	g := domain.NewGroup(id, "pair", time.Now().Add(-time.Minute))
	require.NoError(t, g.AddLeg(domain.NewMarketLeg("A", domain.SideBuy, 4)))
	require.NoError(t, g.AddLeg(domain.NewMarketLeg("B", domain.SideSell, 4)))
	submitted := deadline.Add(-testConfig.ExecutionWindow)
	g.SubmittedAt = &submitted
	g.Deadline = &deadline
	for i := range g.Legs {
		g.Legs[i].ClientOrderID = LegClientOrderID(id, i)
		ref, err := gw.PlaceOrder(ctx, g.Legs[i])
		require.NoError(t, err)
		g.Legs[i].OrderRef = ref
		g.Legs[i].FillState = domain.FillWorking
	}
	g.Status = status
	g.Version = 4
	return g
}

func recoverWith(t *testing.T, gw ports.BrokerGateway, store ports.GroupStore) (*Executor, *RecoveryReport, *alert.Recorder) {
	t.Helper()
	rec := alert.NewRecorder(16)
	ex := NewExecutor(gw, nil, store, testConfig, WithAlertSink(rec))
	rep, err := ex.Recover(context.Background())
	require.NoError(t, err)
	require.Empty(t, rep.Failed)
	return ex, rep, rec
}

func TestRecover_PendingGroupsDoNotSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	gw := newFakeGateway()

	before, _, _ := recoverWith(t, gw, store)
	id, err := before.CreateGroup(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, before.AddLeg(ctx, id, domain.NewMarketLeg("A", domain.SideBuy, 1)))

	after, rep, _ := recoverWith(t, gw, store)
	assert.Empty(t, rep.Outcomes)
	_, err = after.Group(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownGroup)
	assert.Empty(t, gw.placed(false))
}

func TestRecover_StrayPendingRecordIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	g := domain.NewGroup("g-pending", "x", time.Now())
	require.NoError(t, g.AddLeg(domain.NewMarketLeg("A", domain.SideBuy, 1)))
	require.NoError(t, store.Save(ctx, g))

	gw := newFakeGateway()
	ex, rep, _ := recoverWith(t, gw, store)
	assert.Empty(t, rep.Outcomes)
	_, err := store.Load(ctx, "g-pending")
	assert.ErrorIs(t, err, persistence.ErrNotExists)
	_, err = ex.Group(ctx, "g-pending")
	assert.ErrorIs(t, err, ErrUnknownGroup)
	assert.Empty(t, gw.placed(false))
}

func TestRecover_SubmittedPastDeadlineRollsBackAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.fillAfter["A"] = 0
	store := newMemStore(t)
	g := crashedGroup(t, gw, "g-1", domain.StatusSubmitted, time.Now().Add(-10*time.Second))
	require.NoError(t, store.Save(ctx, g))

	_, rep, _ := recoverWith(t, gw, store)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)

	got, err := store.Load(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, got.Status)
	assert.Equal(t, domain.FillCanceled, got.Legs[1].FillState)
	require.Len(t, gw.placed(true), 1)

	// 第二次恢复（新进程）不再动任何东西
	_, rep2, _ := recoverWith(t, gw, store)
	assert.Empty(t, rep2.Outcomes)
	again, err := store.Load(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
	assert.Equal(t, got.Version, again.Version)
	assert.Len(t, gw.placed(true), 1)
}

func TestRecover_SubmittedWithinWindowResumesMonitoring(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.fillAfter["A"] = 20 * time.Millisecond
	gw.fillAfter["B"] = 40 * time.Millisecond
	store := newMemStore(t)
	require.NoError(t, store.Save(ctx, crashedGroup(t, gw, "g-2", domain.StatusSubmitted, time.Now().Add(2*time.Second))))

	_, rep, _ := recoverWith(t, gw, store)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, domain.StatusFilled, rep.Outcomes[0].Status)
	assert.Empty(t, gw.canceled())
}

func TestRecover_FilledInsideWindowIsAcceptedAfterDeadline(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.fillAfter["A"] = 0
	gw.fillAfter["B"] = 0
	store := newMemStore(t)
	g := crashedGroup(t, gw, "g-3", domain.StatusSubmitted, time.Now().Add(time.Hour))
	time.Sleep(5 * time.Millisecond)
	deadline := time.Now()
	g.Deadline = &deadline
	require.NoError(t, store.Save(ctx, g))

	_, rep, _ := recoverWith(t, gw, store)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, domain.StatusFilled, rep.Outcomes[0].Status)
	assert.Empty(t, gw.placed(true))
}

func TestRecover_MissingForwardReference(t *testing.T) {
	t.Run("resolved via lookup", func(t *testing.T) {
		ctx := context.Background()
		base := newFakeGateway()
		base.fillAfter["A"] = 0
		base.fillAfter["B"] = 0
		store := newMemStore(t)
		g := crashedGroup(t, base, "g-4", domain.StatusSubmitted, time.Now().Add(2*time.Second))
		g.Legs[1].OrderRef = ""
		g.Legs[1].FillState = domain.FillUnsubmitted
		require.NoError(t, store.Save(ctx, g))

		_, rep, _ := recoverWith(t, lookupGateway{base}, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusFilled, rep.Outcomes[0].Status)
		assert.Len(t, base.placed(false), 2, "no forward order is placed again")
	})

	t.Run("unknown without lookup", func(t *testing.T) {
		ctx := context.Background()
		gw := newFakeGateway()
		gw.fillAfter["A"] = 0
		store := newMemStore(t)
		g := crashedGroup(t, gw, "g-5", domain.StatusSubmitted, time.Now().Add(2*time.Second))
		g.Legs[1].OrderRef = ""
		g.Legs[1].FillState = domain.FillUnsubmitted
		require.NoError(t, store.Save(ctx, g))

		_, rep, rec := recoverWith(t, gw, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)

		var orphan bool
		for _, a := range rec.Recent() {
			orphan = orphan || a.Kind == alert.KindOrphanOrder
		}
		assert.True(t, orphan)
	})
}

func TestRecover_PartiallyFilledRollsBack(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.fillAfter["A"] = 0
	store := newMemStore(t)
	g := crashedGroup(t, gw, "g-6", domain.StatusPartiallyFilled, time.Now().Add(-time.Second))
	g.Reason = "execution window elapsed"
	require.NoError(t, store.Save(ctx, g))

	_, rep, _ := recoverWith(t, gw, store)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)
	assert.ErrorIs(t, rep.Outcomes[0].Err(), ErrPartialFillTimeout)
	require.Len(t, gw.placed(true), 1)
	assert.Equal(t, "A", gw.placed(true)[0].instrument)
}

// rollingBackGroup A 腿已成交，B 腿已撤；回滚计划只有 A 的反向单。
func rollingBackGroup(t *testing.T, gw *fakeGateway, id string, rbDeadline time.Time) *domain.Group {
	t.Helper()
	gw.fillAfter["A"] = 0
	g := crashedGroup(t, gw, id, domain.StatusRollingBack, time.Now().Add(-time.Second))
	_, _ = gw.GetFillStatus(context.Background(), g.Legs[0].OrderRef)
	require.NoError(t, gw.CancelOrder(context.Background(), g.Legs[1].OrderRef))
	g.Legs[0].FillState = domain.FillFilled
	g.Legs[1].FillState = domain.FillCanceled
	g.RollbackDeadline = &rbDeadline
	g.RollbackLegs = []domain.RollbackLeg{{
		SourceLeg:     0,
		Instrument:    "A",
		Side:          domain.SideSell,
		Quantity:      4,
		ClientOrderID: RollbackClientOrderID(id, 0),
		FillState:     domain.FillUnsubmitted,
	}}
	return g
}

func TestRecover_RollingBack(t *testing.T) {
	t.Run("placed reversal is never re-placed", func(t *testing.T) {
		ctx := context.Background()
		gw := newFakeGateway()
		store := newMemStore(t)
		g := rollingBackGroup(t, gw, "g-7", time.Now().Add(time.Second))
		ref, err := gw.PlaceMarketOrder(ctx, g.RollbackLegs[0].ClientOrderID, "A", domain.SideSell, 4)
		require.NoError(t, err)
		g.RollbackLegs[0].OrderRef = ref
		g.RollbackLegs[0].FillState = domain.FillWorking
		require.NoError(t, store.Save(ctx, g))

		_, rep, _ := recoverWith(t, gw, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)
		assert.Len(t, gw.placed(true), 1)
	})

	t.Run("lookup not found places exactly once", func(t *testing.T) {
		ctx := context.Background()
		base := newFakeGateway()
		store := newMemStore(t)
		require.NoError(t, store.Save(ctx, rollingBackGroup(t, base, "g-8", time.Now().Add(time.Second))))

		_, rep, _ := recoverWith(t, lookupGateway{base}, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)
		assert.Len(t, base.placed(true), 1)

		_, rep2, _ := recoverWith(t, lookupGateway{base}, store)
		assert.Empty(t, rep2.Outcomes)
		assert.Len(t, base.placed(true), 1)
	})

	t.Run("lookup finds crash-window placement", func(t *testing.T) {
		ctx := context.Background()
		base := newFakeGateway()
		store := newMemStore(t)
		g := rollingBackGroup(t, base, "g-9", time.Now().Add(time.Second))
		_, err := base.PlaceMarketOrder(ctx, g.RollbackLegs[0].ClientOrderID, "A", domain.SideSell, 4)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, g))

		_, rep, _ := recoverWith(t, lookupGateway{base}, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRolledBack, rep.Outcomes[0].Status)
		assert.Len(t, base.placed(true), 1)
	})

	t.Run("unknown placement without lookup fails", func(t *testing.T) {
		ctx := context.Background()
		gw := newFakeGateway()
		store := newMemStore(t)
		require.NoError(t, store.Save(ctx, rollingBackGroup(t, gw, "g-10", time.Now().Add(time.Second))))

		_, rep, rec := recoverWith(t, gw, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRollbackFailed, rep.Outcomes[0].Status)
		assert.Empty(t, gw.placed(true))
		assert.NotEmpty(t, rec.Recent())
	})

	t.Run("deadline already passed", func(t *testing.T) {
		ctx := context.Background()
		base := newFakeGateway()
		store := newMemStore(t)
		require.NoError(t, store.Save(ctx, rollingBackGroup(t, base, "g-11", time.Now().Add(-time.Second))))

		_, rep, _ := recoverWith(t, lookupGateway{base}, store)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, domain.StatusRollbackFailed, rep.Outcomes[0].Status)
		assert.Empty(t, base.placed(true), "no new orders outside the rollback window")
	})
}

func TestRecover_AllowsCreationAfterwards(t *testing.T) {
	ex := NewExecutor(newFakeGateway(), nil, newMemStore(t), testConfig)
	_, err := ex.CreateGroup(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotRecovered)

	_, err = ex.Recover(context.Background())
	require.NoError(t, err)
	_, err = ex.CreateGroup(context.Background(), "x")
	require.NoError(t, err)
}
