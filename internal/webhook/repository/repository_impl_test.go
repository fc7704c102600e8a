package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tokenledger/internal/storetest"
	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertMarksEventOnce(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	repo := Provide()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	missing, err := repo.Find(ctx, db, "stripe:evt_1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	event := &domain.ProcessedEvent{
		EventID:   "stripe:evt_1",
		Source:    domain.SourceStripe,
		EventType: "invoice.paid",
		Outcome:   domain.OutcomeApplied,
		AppliedAt: now,
	}
	inserted, err := repo.Insert(ctx, db, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, db, event)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.Find(ctx, db, "stripe:evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OutcomeApplied, got.Outcome)
	assert.True(t, now.Equal(got.AppliedAt))
}

func TestInsertRendersMySQLUpsert(t *testing.T) {
	db, statements := storetest.MySQLStatements(t)

	_, err := Provide().Insert(context.Background(), db, &domain.ProcessedEvent{
		EventID:   "identity:msg_1",
		Source:    domain.SourceIdentity,
		EventType: "user.created",
		Outcome:   domain.OutcomeApplied,
		AppliedAt: time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, statements(), 1)
	assert.Contains(t, statements()[0], "ON DUPLICATE KEY UPDATE `event_id`=`event_id`")
}
