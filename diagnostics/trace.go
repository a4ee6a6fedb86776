// Package diagnostics は推定の診断用プロットを作成します。
package diagnostics

import (
	"io"
	"math"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Width and Height are the output size of written plots.
var (
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch
)

// TracePlot builds a plot of the objective by iteration.
func TracePlot(trace []optimizer.TraceEntry) (*plot.Plot, error) {
	if len(trace) == 0 {
		return nil, errors.NewPreconditionError("TracePlot", "empty trace; enable OptimizerConfig.Trace")
	}
	p := plot.New()
	p.Title.Text = "Optimization trace"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "negative log-likelihood"

	pts := make(plotter.XYs, 0, len(trace))
	for _, e := range trace {
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(e.Iteration), Y: e.Value})
	}
	if len(pts) == 0 {
		return nil, errors.NewNumericalInstabilityError("TracePlot", []float64{trace[0].Value}, trace[0].Iteration)
	}
	if err := plotutil.AddLinePoints(p, "objective", pts); err != nil {
		return nil, errors.Wrap(err, "TracePlot")
	}
	return p, nil
}

// ParameterPlot builds one line per optimizer coordinate. names label the
// leading coordinates; the rest are numbered.
func ParameterPlot(trace []optimizer.TraceEntry, names []string) (*plot.Plot, error) {
	if len(trace) == 0 {
		return nil, errors.NewPreconditionError("ParameterPlot", "empty trace; enable OptimizerConfig.Trace")
	}
	dim := len(trace[0].X)
	p := plot.New()
	p.Title.Text = "Parameter trace"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "value (log scale for covariance parameters)"
	p.Legend.Top = true

	var lines []interface{}
	for k := 0; k < dim; k++ {
		pts := make(plotter.XYs, 0, len(trace))
		for _, e := range trace {
			if k < len(e.X) {
				pts = append(pts, plotter.XY{X: float64(e.Iteration), Y: e.X[k]})
			}
		}
		label := "x" + strconv.Itoa(k)
		if k < len(names) {
			label = names[k]
		}
		lines = append(lines, label, pts)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return nil, errors.Wrap(err, "ParameterPlot")
	}
	return p, nil
}

// PlotTrace writes the objective trace as an image. format is one of the
// formats supported by gonum/plot ("png", "svg", "pdf", ...).
func PlotTrace(trace []optimizer.TraceEntry, w io.Writer, format string) error {
	p, err := TracePlot(trace)
	if err != nil {
		return err
	}
	return write(p, w, format)
}

// SaveTrace writes the objective trace to a file; the format follows the
// file extension.
func SaveTrace(trace []optimizer.TraceEntry, filename string) error {
	p, err := TracePlot(trace)
	if err != nil {
		return err
	}
	return errors.Wrap(p.Save(Width, Height, filename), "SaveTrace")
}

// PlotParameters writes the parameter trace as an image.
func PlotParameters(trace []optimizer.TraceEntry, names []string, w io.Writer, format string) error {
	p, err := ParameterPlot(trace, names)
	if err != nil {
		return err
	}
	return write(p, w, format)
}

func write(p *plot.Plot, w io.Writer, format string) error {
	wt, err := p.WriterTo(Width, Height, format)
	if err != nil {
		return errors.Wrapf(err, "unsupported plot format %q", format)
	}
	_, err = wt.WriteTo(w)
	return err
}
