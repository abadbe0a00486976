package evaluation

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotLosses draws one line per series and saves the figure to path. The
// format follows the extension (png, svg, pdf).
func PlotLosses(path, title string, series map[string]plotter.XYs) error {
	names := make([]string, 0, len(series))
	for name, pts := range series {
		if len(pts) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no loss values to plot")
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	for i, name := range names {
		line, err := plotter.NewLine(series[name])
		if err != nil {
			return fmt.Errorf("series %s: %w", name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// Panel is one titled image of a comparison sheet
type Panel struct {
	Title string
	Image image.Image
}

const panelWidth = 4 * vg.Inch

// SaveComparison lays panels out side by side and writes them as a PNG.
// Every panel gets the same width; the height follows the tallest aspect
// ratio.
func SaveComparison(path string, panels []Panel) error {
	if len(panels) == 0 {
		return fmt.Errorf("no panels to draw")
	}

	aspect := 0.0
	row := make([]*plot.Plot, len(panels))
	for i, panel := range panels {
		b := panel.Image.Bounds()
		if b.Dx() == 0 || b.Dy() == 0 {
			return fmt.Errorf("panel %q is empty", panel.Title)
		}
		if a := float64(b.Dy()) / float64(b.Dx()); a > aspect {
			aspect = a
		}

		p := plot.New()
		p.Title.Text = panel.Title
		p.HideAxes()
		p.Add(plotter.NewImage(panel.Image, 0, 0, float64(b.Dx()), float64(b.Dy())))
		row[i] = p
	}

	width := vg.Length(len(panels)) * panelWidth
	height := vg.Length(aspect)*panelWidth + vg.Inch/2
	canvas := vgimg.New(width, height)
	dc := draw.New(canvas)

	tiles := draw.Tiles{
		Rows: 1,
		Cols: len(panels),
		PadX: vg.Millimeter,
	}
	canvases := plot.Align([][]*plot.Plot{row}, tiles, dc)
	for i, p := range row {
		p.Draw(canvases[0][i])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
