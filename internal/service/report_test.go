package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alumni_chat/pkg/errors"
)

func TestReport_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)
	m := h.send(t, conv.ID, h.bob, "spam link")

	report, err := h.svc.Report.Create(ctx, h.alice.ID, h.bob.ID, "  spam  ", &m.ID)
	require.NoError(t, err)
	assert.Equal(t, "spam", report.Reason)
	assert.NotZero(t, report.ID)
	assert.Len(t, h.store.SavedReports(), 1)
}

func TestReport_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)
	fromAlice := h.send(t, conv.ID, h.alice, "hello")

	_, err := h.svc.Report.Create(ctx, h.alice.ID, h.alice.ID, "me", nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = h.svc.Report.Create(ctx, h.alice.ID, h.bob.ID, " ", nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	// сообщение написал не обжалуемый пользователь
	_, err = h.svc.Report.Create(ctx, h.bob.ID, h.carol.ID, "abuse", &fromAlice.ID)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	// чужой диалог
	_, err = h.svc.Report.Create(ctx, h.carol.ID, h.alice.ID, "abuse", &fromAlice.ID)
	assert.ErrorIs(t, err, apperrors.ErrAccessDenied)

	// несуществующее сообщение отвечает так же, как чужое
	missing := int64(999999)
	_, err = h.svc.Report.Create(ctx, h.carol.ID, h.alice.ID, "abuse", &missing)
	assert.ErrorIs(t, err, apperrors.ErrAccessDenied)

	assert.Empty(t, h.store.SavedReports())
}

func TestRateLimit_Allow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := h.svc.RateLimit.Allow(ctx, "send:alice", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := h.svc.RateLimit.Allow(ctx, "send:alice", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.svc.RateLimit.Allow(ctx, "send:bob", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
