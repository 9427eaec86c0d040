package training

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/gosuri/uiprogress"
	"github.com/gosuri/uiprogress/util/strutil"
	"github.com/olekukonko/tablewriter"

	"github.com/Brownie44l1/plant-health/internal/nn"
)

// WriteSummary prints one row per layer with its output shape and
// parameter count.
func WriteSummary(w io.Writer, net *nn.Model) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer", "Type", "Config", "Output Shape", "Params"})
	table.SetBorder(true)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	shapes := net.LayerShapes()
	for i, l := range net.Layers() {
		params := 0
		for _, p := range l.Params() {
			params += p.Value.Shape.Size()
		}
		table.Append([]string{
			l.Name(),
			l.Kind().String(),
			layerConfig(l),
			fmt.Sprintf("(None, %v)", shapes[i]),
			strconv.Itoa(params),
		})
	}
	table.SetFooter([]string{"", "", "", "Total params", strconv.Itoa(net.ParamCount())})
	table.Render()
}

func layerConfig(l nn.Layer) string {
	switch l := l.(type) {
	case *nn.Conv2D:
		return fmt.Sprintf("%d filters %dx%d/%d pad %d", l.Filters(), l.KernelSize(), l.KernelSize(), l.Stride(), l.Padding())
	case *nn.Dense:
		return fmt.Sprintf("%d units", l.Units())
	}
	return ""
}

// epochBar renders per-epoch batch progress. A nil *epochBar is a no-op.
type epochBar struct {
	progress *uiprogress.Progress
	bar      *uiprogress.Bar

	mu     sync.Mutex
	status string
}

func newEpochBar(epoch, epochs, batches int) *epochBar {
	b := &epochBar{progress: uiprogress.New()}
	name := fmt.Sprintf("Epoch %d/%d", epoch, epochs)

	b.bar = b.progress.AddBar(batches).AppendCompleted().PrependElapsed()
	b.bar.Width = 40
	b.bar.PrependFunc(func(*uiprogress.Bar) string {
		return strutil.Resize(name, 14)
	})
	b.bar.AppendFunc(func(*uiprogress.Bar) string {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.status
	})
	b.progress.Start()
	return b
}

func (b *epochBar) step(loss, acc float64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.status = fmt.Sprintf(" loss: %.4f - accuracy: %.4f", loss, acc)
	b.mu.Unlock()
	b.bar.Incr()
}

func (b *epochBar) stop() {
	if b == nil {
		return
	}
	b.progress.Stop()
}

// WriteResult prints the closing summary of a run.
func WriteResult(w io.Writer, res *Result) {
	bold := color.New(color.Bold)
	good := color.New(color.FgGreen, color.Bold)

	bold.Fprintln(w, "Training complete")
	if best, ok := res.History.Best(); ok {
		good.Fprintf(w, "  best val_accuracy %.4f at epoch %d (val_loss %.4f)\n", best.ValAccuracy, best.Epoch, best.ValLoss)
	}
	fmt.Fprintf(w, "  model:       %s\n", res.ModelPath)
	for _, c := range res.Checkpoints {
		fmt.Fprintf(w, "  checkpoint:  %s\n", c)
	}
	fmt.Fprintf(w, "  history:     %s\n", res.HistoryJSON)
	fmt.Fprintf(w, "  plot:        %s\n", res.HistoryPlot)
}
