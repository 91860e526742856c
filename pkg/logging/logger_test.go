package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	fallback := zap.NewNop()

	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	scoped := zap.NewExample()
	ctx := WithLogger(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx, fallback))
}

func TestRateLimitedSuppressesRepeats(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := NewRateLimited(zap.New(core), time.Hour)

	rl.Warn("cache write failed", zap.String("key", "/a"))
	rl.Warn("cache write failed", zap.String("key", "/b"))
	rl.Warn("offline fallback")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "cache write failed", entries[0].Message)
		assert.Equal(t, "offline fallback", entries[1].Message)
	}
}
