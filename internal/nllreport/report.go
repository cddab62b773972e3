// Package nllreport renders quick-look visualizations of a location's
// posterior scatter: a static PNG slice via gonum/plot, and an
// interactive HTML scatter via go-echarts. These are additive to (and
// do not replace) the PostScript/GMT plotting the reference tool uses,
// which is out of scope here.
package nllreport

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nllgo/nlloc/internal/nllstat"
)

// ScatterPNG renders the horizontal (x,y) projection of the posterior
// scatter to a PNG file at outPath, all samples in one colour, with the
// best point (bestX,bestY) drawn on top as a larger red marker.
func ScatterPNG(points []nllstat.Point, bestX, bestY float64, title, outPath string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (km)"
	p.Y.Label.Text = "Y (km)"

	pts := make(plotter.XYs, len(points))
	for i, pt := range points {
		pts[i].X = pt.X
		pts[i].Y = pt.Y
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("nllreport: build scatter: %w", err)
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 70, G: 130, B: 180, A: 120}
	scatter.GlyphStyle.Radius = vg.Points(1.2)
	p.Add(scatter)

	best, err := plotter.NewScatter(plotter.XYs{{X: bestX, Y: bestY}})
	if err != nil {
		return fmt.Errorf("nllreport: build best-point marker: %w", err)
	}
	best.GlyphStyle.Color = color.RGBA{R: 220, G: 20, B: 60, A: 255}
	best.GlyphStyle.Radius = vg.Points(3)
	p.Add(best)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("nllreport: mkdir: %w", err)
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return fmt.Errorf("nllreport: save %s: %w", outPath, err)
	}
	return nil
}

// ScatterHTML renders an interactive (x,y) scatter colored by
// log-likelihood, following the project's go-echarts dashboard idiom.
func ScatterHTML(points []nllstat.Point, logLikelihoods []float64, eventLabel string) ([]byte, error) {
	data := make([]opts.ScatterData, len(points))
	maxLL := 0.0
	have := false
	for i, p := range points {
		ll := 0.0
		if i < len(logLikelihoods) {
			ll = logLikelihoods[i]
		}
		if !have || ll > maxLL {
			maxLL = ll
			have = true
		}
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y, ll}}
	}
	minLL := maxLL
	for i := range points {
		if i < len(logLikelihoods) && logLikelihoods[i] < minLL {
			minLL = logLikelihoods[i]
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Location posterior scatter", Theme: "dark", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Posterior scatter", Subtitle: fmt.Sprintf("event=%s points=%d", eventLabel, len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (km)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (km)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show: opts.Bool(true), Calculable: opts.Bool(true),
			Min: float32(minLL), Max: float32(maxLL), Dimension: "2",
			InRange: &opts.VisualMapInRange{Color: []string{"#440154", "#414487", "#2a788e", "#22a884", "#7ad151", "#fde725"}},
		}),
	)
	scatter.AddSeries("scatter", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return nil, fmt.Errorf("nllreport: render chart: %w", err)
	}
	return buf.Bytes(), nil
}

// ServeScatterHTML is a small net/http handler factory for mounting the
// HTML scatter at a debug route, mirroring the project's debug-endpoint
// pattern of serving a quick-look chart with no auth.
func ServeScatterHTML(points []nllstat.Point, logLikelihoods []float64, eventLabel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := ScatterHTML(points, logLikelihoods, eventLabel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(body)
	}
}
