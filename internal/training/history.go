package training

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// EpochStats are the metrics recorded after one epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

type History struct {
	Epochs []EpochStats `json:"epochs"`
}

func (h *History) Add(s EpochStats) { h.Epochs = append(h.Epochs, s) }

func (h *History) series(get func(EpochStats) float64) []float64 {
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = get(e)
	}
	return out
}

// Best returns the epoch with the highest validation accuracy; the
// earliest one wins ties. ok is false for an empty history.
func (h *History) Best() (best EpochStats, ok bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	acc := h.series(func(e EpochStats) float64 { return e.ValAccuracy })
	return h.Epochs[floats.MaxIdx(acc)], true
}

func (h *History) WriteJSON(path string) error {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o644), "write history")
}

func ReadHistory(path string) (*History, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	h := &History{}
	if err := json.Unmarshal(b, h); err != nil {
		return nil, errors.Wrapf(err, "decode history %s", path)
	}
	return h, nil
}

func (h *History) points(get func(EpochStats) float64) plotter.XYs {
	pts := make(plotter.XYs, len(h.Epochs))
	for i, e := range h.Epochs {
		pts[i].X = float64(e.Epoch)
		pts[i].Y = get(e)
	}
	return pts
}

func (h *History) panel(title string, train, val func(EpochStats) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = title
	p.Legend.Top = true

	if err := plotutil.AddLinePoints(p,
		"Train "+title, h.points(train),
		"Validation "+title, h.points(val)); err != nil {
		return nil, errors.Wrapf(err, "plot %s", title)
	}
	return p, nil
}

// WritePlot renders accuracy and loss curves side by side as a PNG.
func (h *History) WritePlot(path string) error {
	acc, err := h.panel("Accuracy",
		func(e EpochStats) float64 { return e.Accuracy },
		func(e EpochStats) float64 { return e.ValAccuracy })
	if err != nil {
		return err
	}
	loss, err := h.panel("Loss",
		func(e EpochStats) float64 { return e.Loss },
		func(e EpochStats) float64 { return e.ValLoss })
	if err != nil {
		return err
	}

	plots := [][]*plot.Plot{{acc, loss}}
	img := vgimg.New(12*vg.Inch, 4*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: 1,
		Cols: 2,
		PadX: vg.Millimeter * 4,
		PadY: vg.Millimeter * 4,
	}
	canvases := plot.Align(plots, tiles, dc)
	for j, p := range plots[0] {
		p.Draw(canvases[0][j])
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create plot")
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrap(err, "render plot")
	}
	return errors.Wrap(f.Close(), "write plot")
}
