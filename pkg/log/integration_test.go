package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gperrors "github.com/YuminosukeSato/gpboost/pkg/errors"
)

func TestLoggerInterface(t *testing.T) {
	testLogger, buffer := NewTestLogger(LevelDebug)

	testLogger.Debug("debug message", "key1", "value1", "number", 42)
	testLogger.Info("info message", OperationKey, OperationOptimize)
	testLogger.Warn("warning message", IterationKey, 1000)
	testLogger.Error("error message", fmt.Errorf("test error"), ErrorCodeKey, ErrorNumerical)

	require.NotEmpty(t, buffer.String())
	assert.True(t, testLogger.ContainsMessage("debug message"))
	assert.True(t, testLogger.ContainsMessage("info message"))
	assert.True(t, testLogger.ContainsMessage("warning message"))
	assert.True(t, testLogger.ContainsMessage("error message"))

	assert.True(t, testLogger.ContainsField("key1", "value1"))
	assert.True(t, testLogger.ContainsField("number", 42.0))
	assert.True(t, testLogger.ContainsField("error", "test error"))
}

func TestLoggerWith(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelDebug)

	contextLogger := testLogger.With(
		ModelNameKey, "REModel",
		LikelihoodKey, "poisson",
	)
	contextLogger.Info("estimation started", OperationKey, OperationOptimize)

	assert.True(t, testLogger.ContainsField(ModelNameKey, "REModel"))
	assert.True(t, testLogger.ContainsField(LikelihoodKey, "poisson"))
	assert.True(t, testLogger.ContainsField(OperationKey, OperationOptimize))
}

func TestLoggerEnabled(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelInfo)
	ctx := context.Background()

	assert.True(t, testLogger.Enabled(ctx, LevelInfo))
	assert.True(t, testLogger.Enabled(ctx, LevelError))
	assert.False(t, testLogger.Enabled(ctx, LevelDebug))

	testLogger.Debug("this should not appear")
	testLogger.Info("this should appear")
	assert.False(t, testLogger.ContainsMessage("this should not appear"))
	assert.True(t, testLogger.ContainsMessage("this should appear"))
}

func TestOptimizerTraceAttributes(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelDebug)

	testLogger.Debug("iteration",
		IterationKey, 3,
		NegLogLikKey, 123.5,
		LearningRateKey, 0.05,
	)

	entries, err := testLogger.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3.0, entries[0][IterationKey])
	assert.Equal(t, 123.5, entries[0][NegLogLikKey])
	assert.Equal(t, 0.05, entries[0][LearningRateKey])
}

func TestLoggerProviderIntegration(t *testing.T) {
	provider, buffer := NewTestLoggerProvider(LevelDebug)

	provider.GetLogger().Info("provider test message")
	provider.GetLoggerWithName("vecchia").Info("named logger message")

	out := buffer.String()
	assert.Contains(t, out, "provider test message")
	assert.Contains(t, out, "named logger message")
	assert.Contains(t, out, "vecchia")
}

func TestPackageProvider(t *testing.T) {
	provider, buffer := NewTestLoggerProvider(LevelDebug)
	SetProvider(provider)
	defer SetOutput(&bytes.Buffer{}, LevelWarn)

	GetLoggerWithName("optimizer").Info("hello")
	assert.Contains(t, buffer.String(), "optimizer")

	gperrors.Warn(gperrors.NewConvergenceWarning("nesterov", 5, "stopped"))
	assert.Contains(t, buffer.String(), "nesterov failed to converge")
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.With(ModelNameKey, "REModel").Info("visible", IterationKey, 7, CovParsKey, []float64{1, 2})
	logger.Error("failed", gperrors.NewNumericalInstabilityError("gradient", []float64{1}, 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "visible", first["message"])
	assert.Equal(t, "REModel", first[ModelNameKey])
	assert.Equal(t, 7.0, first[IterationKey])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Contains(t, second["error"], "numerical instability")

	assert.False(t, logger.Enabled(context.Background(), LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), LevelWarn))
}

func TestConcurrentLogging(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				testLogger.Info(fmt.Sprintf("worker %d message %d", id, j), "worker", id)
			}
		}(i)
	}
	wg.Wait()

	entries, err := testLogger.GetLogEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("debug")
	assert.True(t, ok)
	assert.Equal(t, LevelDebug, lvl)

	lvl, ok = ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, LevelInfo, lvl)
}

func TestConsoleProvider(t *testing.T) {
	var buf bytes.Buffer
	p := NewConsoleProvider(&buf, LevelInfo)
	p.GetLoggerWithName("cli").Info("fit done", NegLogLikKey, 12.5)
	p.GetLogger().Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "fit done")
	assert.NotContains(t, out, "hidden")
	assert.False(t, json.Valid([]byte(strings.TrimSpace(out))))

	buf.Reset()
	p.SetLevel(LevelDebug)
	p.GetLogger().Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}
