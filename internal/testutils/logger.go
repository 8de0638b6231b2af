package testutils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a debug logger writing into the test output, tagged with the test name.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()

	return zaptest.NewLogger(t,
		zaptest.Level(zap.DebugLevel),
		zaptest.WrapOptions(
			zap.AddCaller(),
			zap.Fields(zap.String("test", t.Name())),
		),
	)
}
