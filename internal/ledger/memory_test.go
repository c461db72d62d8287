package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/safewalk/internal/session"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newAttempt(id, sessionID string) *Attempt {
	return &Attempt{
		ID:           id,
		SessionID:    sessionID,
		ContactName:  "Alice",
		ContactPhone: "+33612345678",
		Tier:         session.TierOverdue,
		Message:      "ALERTE",
		Status:       StatusPending,
		Tries:        1,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestMemory_RecordAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Record(ctx, newAttempt("a1", "s1")))
	require.NoError(t, m.Record(ctx, newAttempt("a2", "s2")))
	require.NoError(t, m.Record(ctx, newAttempt("a3", "s1")))
	assert.Error(t, m.Record(ctx, newAttempt("a1", "s1")), "duplicate id")
	assert.Error(t, m.Record(ctx, &Attempt{}), "missing id")

	got, err := m.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
	assert.Len(t, m.All(), 3)
}

func TestMemory_UpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := newAttempt("a1", "s1")
	require.NoError(t, m.Record(ctx, a))

	a.MarkSent("SM1", t0.Add(time.Second))
	require.NoError(t, m.Update(ctx, a))

	found, err := m.FindByProviderID(ctx, "SM1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, found.Status)
	require.NotNil(t, found.SentAt)

	found.MarkDelivered(t0.Add(5 * time.Second))
	require.NoError(t, m.Update(ctx, found))

	list, err := m.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, list[0].Status)
	assert.True(t, list[0].Status.Reached())

	assert.ErrorIs(t, m.Update(ctx, newAttempt("zz", "s1")), ErrNotFound)
	_, err = m.FindByProviderID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.FindByProviderID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := newAttempt("a1", "s1")
	require.NoError(t, m.Record(ctx, a))

	a.Status = StatusFailed
	list, _ := m.ListBySession(ctx, "s1")
	assert.Equal(t, StatusPending, list[0].Status)

	list[0].Status = StatusDelivered
	list, _ = m.ListBySession(ctx, "s1")
	assert.Equal(t, StatusPending, list[0].Status)
}

func TestAttempt_MarkFailedKeepsProviderID(t *testing.T) {
	a := newAttempt("a1", "s1")
	a.MarkSent("SM9", t0)
	a.MarkFailed("30003: unreachable handset", t0.Add(time.Minute))

	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "SM9", a.ProviderMessageID)
	assert.False(t, a.Status.Reached())
	assert.Equal(t, Key{SessionID: "s1", Tier: session.TierOverdue, ContactPhone: "+33612345678"}, a.Key())
}

func TestMemory_ListOutstanding(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	add := func(id, sessionID string, tier session.Tier, status Status) {
		a := newAttempt(id, sessionID)
		a.Tier = tier
		a.Status = status
		require.NoError(t, m.Record(ctx, a))
	}
	add("c1", "s1", session.TierConfirmation, StatusFailed)
	add("c2", "s1", session.TierConfirmation, StatusDelivered)
	add("c3", "s2", session.TierConfirmation, StatusPending)
	add("c4", "s3", session.TierConfirmation, StatusWithdrawn)
	add("c5", "", session.TierConfirmation, StatusFailed)
	add("o1", "s1", session.TierOverdue, StatusFailed)

	got, err := m.ListOutstanding(ctx, session.TierConfirmation)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"c1", "c3"}, ids)
}

func TestAttempt_MarkWithdrawn(t *testing.T) {
	a := newAttempt("a1", "s1")
	assert.True(t, a.Outstanding())

	a.MarkWithdrawn("session cancelled", t0.Add(time.Minute))
	assert.Equal(t, StatusWithdrawn, a.Status)
	assert.False(t, a.Outstanding())
	assert.False(t, a.Status.Reached())
	assert.Equal(t, "session cancelled", a.FailureReason)
}
