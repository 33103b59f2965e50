package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierNeverLogsPassword(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core).Sugar())

	require.NoError(t, n.SendInitialCredential(context.Background(), "Bob", "bob@example.com", "hunter2-secret"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.NotContains(t, entry.Message, "hunter2-secret")
	for _, v := range entry.ContextMap() {
		assert.NotEqual(t, "hunter2-secret", v)
	}
	assert.Equal(t, "bob@example.com", entry.ContextMap()["email"])
}

func TestNewEmailNotifier(t *testing.T) {
	n, err := NewEmailNotifier(SMTPConfig{
		Host: "localhost", Port: 1025, From: "noreply@example.com",
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, "noreply@example.com", n.from)
}
