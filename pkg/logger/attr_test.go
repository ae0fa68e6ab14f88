package logger_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/logger"
)

func TestGroup(t *testing.T) {
	t.Parallel()

	attr := logger.Group("req", slog.String("id", "1"), slog.Int("n", 2))
	require.Equal(t, "req", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "id", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestDomainAttrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attr slog.Attr
		key  string
		val  string
	}{
		{logger.EventType("subscription.updated"), "event_type", "subscription.updated"},
		{logger.EventID("evt_1"), "event_id", "evt_1"},
		{logger.Provider("paddle"), "provider", "paddle"},
		{logger.Tier("pro"), "tier", "pro"},
		{logger.Status("past_due"), "status", "past_due"},
		{logger.Feature("receipt_uploads"), "feature", "receipt_uploads"},
		{logger.Outcome("applied"), "outcome", "applied"},
		{logger.Component("webhook"), "component", "webhook"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.key, tt.attr.Key)
		assert.Equal(t, tt.val, tt.attr.Value.String())
	}

	assert.True(t, logger.UserID(nil).Equal(slog.Attr{}))
	assert.Equal(t, "request_id", logger.RequestID("abc").Key)
}

func TestTransition(t *testing.T) {
	t.Parallel()

	attr := logger.Transition("tier", "free", "pro")
	require.Equal(t, "tier", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "free", g[0].Value.String())
	assert.Equal(t, "pro", g[1].Value.String())
}
