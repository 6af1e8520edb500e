package spend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/spend"
	"github.com/cairn-dev/cairn/pkg/store"
	"github.com/cairn-dev/cairn/pkg/store/storetest"
)

func capAt(v int64) *int64 { return &v }

type staticResolver struct {
	policy spend.Policy
	err    error
}

func (r staticResolver) Resolve(context.Context, string) (spend.Policy, error) {
	return r.policy, r.err
}

type staticExpenses struct {
	month int64
	day   int64
	err   error
}

func (s staticExpenses) SumKind(_ context.Context, _ string, _ ledger.EventKind, from, to time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if to.Sub(from) > 48*time.Hour {
		return s.month, nil
	}
	return s.day, nil
}

var now = time.Date(2026, 8, 15, 14, 30, 0, 0, time.UTC)

func TestCheck_MonthlyCap(t *testing.T) {
	e := spend.NewEnforcer(
		staticResolver{policy: spend.Policy{PerMonthCap: capAt(1_000_000)}},
		staticExpenses{month: 900_000},
		nil)
	ctx := context.Background()

	reason, err := e.Check(ctx, "p1", 200_000, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonMonthlyCapExceeded, reason)

	reason, err = e.Check(ctx, "p1", 100_000, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonNone, reason)
}

func TestCheck_PerBountyCap(t *testing.T) {
	e := spend.NewEnforcer(
		staticResolver{policy: spend.Policy{PerBountyCap: capAt(50_000)}},
		staticExpenses{},
		nil)

	reason, err := e.Check(context.Background(), "p1", 50_001, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonBountyCapExceeded, reason)

	reason, err = e.Check(context.Background(), "p1", 50_000, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonNone, reason)
}

func TestCheck_DailyCap(t *testing.T) {
	e := spend.NewEnforcer(
		staticResolver{policy: spend.Policy{PerDayCap: capAt(10_000)}},
		staticExpenses{day: 9_500},
		nil)

	reason, err := e.Check(context.Background(), "p1", 501, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonDailyCapExceeded, reason)

	reason, err = e.Check(context.Background(), "p1", 500, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonNone, reason)
}

func TestCheck_UncappedAllowsAnything(t *testing.T) {
	e := spend.NewEnforcer(staticResolver{}, staticExpenses{month: 1 << 40, day: 1 << 40}, nil)

	reason, err := e.Check(context.Background(), "p1", 1<<50, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonNone, reason)
}

func TestCheck_FailClosed(t *testing.T) {
	e := spend.NewEnforcer(staticResolver{err: errors.New("db down")}, staticExpenses{}, nil)
	reason, err := e.Check(context.Background(), "p1", 100, now)
	assert.Error(t, err)
	assert.Equal(t, spend.ReasonCheckFailed, reason)

	e = spend.NewEnforcer(
		staticResolver{policy: spend.Policy{PerMonthCap: capAt(1000)}},
		staticExpenses{err: errors.New("db down")},
		nil)
	reason, err = e.Check(context.Background(), "p1", 100, now)
	assert.Error(t, err)
	assert.Equal(t, spend.ReasonCheckFailed, reason)
}

func TestCheck_InvalidAmount(t *testing.T) {
	e := spend.NewEnforcer(staticResolver{}, staticExpenses{}, nil)
	reason, err := e.Check(context.Background(), "p1", 0, now)
	assert.Error(t, err)
	assert.Equal(t, spend.ReasonInvalidAmount, reason)
}

func seedProject(t *testing.T, db store.Querier, projectID string, monthlyBudget *int64) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO projects (project_id, name, treasury_address, monthly_budget, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, projectID, "Project "+projectID, "dao.treasury", monthlyBudget, time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)
}

func TestSQLPolicyStore_ExplicitRowOverridesLegacy(t *testing.T) {
	db := storetest.NewDB(t)
	s := spend.NewSQLPolicyStore(db)
	ctx := context.Background()

	seedProject(t, db, "p1", capAt(777))
	require.NoError(t, s.Set(ctx, spend.Policy{
		ProjectID:    "p1",
		PerBountyCap: capAt(100),
		PerMonthCap:  capAt(5000),
	}))

	policy, err := s.Resolve(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, policy.PerMonthCap)
	assert.Equal(t, int64(5000), *policy.PerMonthCap)
	require.NotNil(t, policy.PerBountyCap)
	assert.Equal(t, int64(100), *policy.PerBountyCap)
	assert.Nil(t, policy.PerDayCap)
}

func TestSQLPolicyStore_LegacyMonthlyBudgetFallback(t *testing.T) {
	db := storetest.NewDB(t)
	s := spend.NewSQLPolicyStore(db)
	ctx := context.Background()

	seedProject(t, db, "p1", capAt(777))

	policy, err := s.Resolve(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, policy.PerMonthCap)
	assert.Equal(t, int64(777), *policy.PerMonthCap)
	assert.Nil(t, policy.PerBountyCap)
	assert.Nil(t, policy.PerDayCap)
}

func TestSQLPolicyStore_NoBudgetAtAllMeansUncapped(t *testing.T) {
	db := storetest.NewDB(t)
	s := spend.NewSQLPolicyStore(db)

	seedProject(t, db, "p1", nil)

	policy, err := s.Resolve(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, policy.PerMonthCap)
}

func TestSQLPolicyStore_UnknownProject(t *testing.T) {
	db := storetest.NewDB(t)
	s := spend.NewSQLPolicyStore(db)

	_, err := s.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLPolicyStore_SetUpsert(t *testing.T) {
	db := storetest.NewDB(t)
	s := spend.NewSQLPolicyStore(db)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, spend.Policy{ProjectID: "p1", PerDayCap: capAt(10)}))
	require.NoError(t, s.Set(ctx, spend.Policy{ProjectID: "p1", PerDayCap: capAt(20)}))

	policy, err := s.Resolve(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, policy.PerDayCap)
	assert.Equal(t, int64(20), *policy.PerDayCap)
}

func TestCheck_AgainstRealLedgerWindows(t *testing.T) {
	db := storetest.NewDB(t)
	ledgerStore := ledger.NewStore(db)
	policyStore := spend.NewSQLPolicyStore(db)
	e := spend.NewEnforcer(policyStore, ledgerStore, nil)
	ctx := context.Background()

	seedProject(t, db, "p1", nil)
	require.NoError(t, policyStore.Set(ctx, spend.Policy{
		ProjectID:   "p1",
		PerDayCap:   capAt(1000),
		PerMonthCap: capAt(2000),
	}))

	ingest := func(amount int64, at time.Time) {
		t.Helper()
		_, _, err := ledgerStore.Ingest(ctx, ledger.Event{
			EventID:        uuid.New().String(),
			IdempotencyKey: uuid.New().String(),
			Kind:           ledger.KindExpense,
			Account:        ledger.ProjectAccount("p1"),
			Amount:         amount,
			Source:         "test",
			CreatedAt:      at,
		})
		require.NoError(t, err)
	}

	// 800 spent earlier this month, 300 of it today.
	ingest(500, now.AddDate(0, 0, -3))
	ingest(300, now.Add(-2*time.Hour))

	// Day window: 300 + 800 > 1000.
	reason, err := e.Check(ctx, "p1", 800, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonDailyCapExceeded, reason)

	// Month window: 800 + 1300 > 2000.
	reason, err = e.Check(ctx, "p1", 1300, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonMonthlyCapExceeded, reason)

	reason, err = e.Check(ctx, "p1", 700, now)
	require.NoError(t, err)
	assert.Equal(t, spend.ReasonNone, reason)
}
