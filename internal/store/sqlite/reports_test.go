package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat_bot/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "heartbeat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordReport_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	status := 200

	saved, err := s.RecordReport(ctx, model.Report{
		CycleID:         "cycle-1",
		Email:           "a@x.com",
		InstallID:       "inst-1",
		Authenticated:   true,
		HeartbeatStatus: &status,
		Earnings:        json.RawMessage(`[{"total_points":12}]`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	got, err := s.ListReports(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, saved.ID, got[0].ID)
	assert.Equal(t, "cycle-1", got[0].CycleID)
	assert.Equal(t, "inst-1", got[0].InstallID)
	assert.True(t, got[0].Authenticated)
	require.NotNil(t, got[0].HeartbeatStatus)
	assert.Equal(t, 200, *got[0].HeartbeatStatus)
	assert.JSONEq(t, `[{"total_points":12}]`, string(got[0].Earnings))
	assert.Equal(t, saved.CreatedAt.UnixMilli(), got[0].CreatedAt.UnixMilli())
}

func TestRecordReport_NullOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RecordReport(ctx, model.Report{CycleID: "c", Email: "a@x.com"})
	require.NoError(t, err)

	got, err := s.ListReports(ctx, "a@x.com", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].HeartbeatStatus)
	assert.Nil(t, got[0].Earnings)
	assert.False(t, got[0].Authenticated)
}

func TestRecordReport_RequiresIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RecordReport(ctx, model.Report{CycleID: "c"})
	assert.Error(t, err)
	_, err = s.RecordReport(ctx, model.Report{Email: "a@x.com"})
	assert.Error(t, err)
}

func TestListReports_NewestFirstWithFilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	emails := []string{gofakeit.Email(), gofakeit.Email()}

	for i := 0; i < 6; i++ {
		_, err := s.RecordReport(ctx, model.Report{
			CycleID:   "cycle",
			Email:     emails[i%2],
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.ListReports(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].CreatedAt.After(all[i].CreatedAt))
	}

	firstOnly, err := s.ListReports(ctx, emails[0], 2)
	require.NoError(t, err)
	require.Len(t, firstOnly, 2)
	for _, r := range firstOnly {
		assert.Equal(t, emails[0], r.Email)
	}
	assert.Equal(t, base.Add(4*time.Minute).UnixMilli(), firstOnly[0].CreatedAt.UnixMilli())
}

func TestPruneReports(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour} {
		_, err := s.RecordReport(ctx, model.Report{CycleID: "c", Email: "a@x.com", CreatedAt: now.Add(-age)})
		require.NoError(t, err)
	}

	n, err := s.PruneReports(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.ListReports(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
