package diagnostics

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

func sampleTrace() []optimizer.TraceEntry {
	trace := make([]optimizer.TraceEntry, 10)
	for i := range trace {
		trace[i] = optimizer.TraceEntry{
			Iteration: i,
			Value:     100 / float64(i+1),
			X:         []float64{math.Log(1 + float64(i)), -0.1 * float64(i), 0.5},
		}
	}
	return trace
}

func TestPlotTraceFormats(t *testing.T) {
	for _, format := range []string{"png", "svg"} {
		var buf bytes.Buffer
		require.NoError(t, PlotTrace(sampleTrace(), &buf, format))
		assert.NotZero(t, buf.Len(), format)
	}
	var png bytes.Buffer
	require.NoError(t, PlotTrace(sampleTrace(), &png, "png"))
	assert.True(t, bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")))
}

func TestPlotParametersLabels(t *testing.T) {
	p, err := ParameterPlot(sampleTrace(), []string{"Error_term", "GP_var"})
	require.NoError(t, err)
	assert.Equal(t, "Parameter trace", p.Title.Text)

	var buf bytes.Buffer
	require.NoError(t, PlotParameters(sampleTrace(), nil, &buf, "svg"))
	assert.Contains(t, buf.String(), "x2")
}

func TestSaveTrace(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "trace.png")
	require.NoError(t, SaveTrace(sampleTrace(), fn))
}

func TestPlotTraceErrors(t *testing.T) {
	err := PlotTrace(nil, &bytes.Buffer{}, "png")
	assert.True(t, errors.IsPreconditionError(err))

	bad := []optimizer.TraceEntry{{Iteration: 0, Value: math.NaN()}}
	_, err = TracePlot(bad)
	assert.True(t, errors.IsNumericalError(err))

	err = PlotTrace(sampleTrace(), &bytes.Buffer{}, "bmp-unknown")
	assert.Error(t, err)
}
