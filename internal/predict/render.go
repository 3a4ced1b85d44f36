package predict

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const barWidth = 40

// Render writes the verdict followed by one bar per stage.
func (r *Result) Render(w io.Writer) error {
	var b strings.Builder
	if r.Source != "" {
		fmt.Fprintf(&b, "Image: %s\n", r.Source)
	}
	fmt.Fprintf(&b, "Alzheimer: %s\n", r.Alzheimer)
	fmt.Fprintf(&b, "Stage: %s\n", r.Stage)
	fmt.Fprintf(&b, "Confidence: %.2f%%\n", r.Confidence)
	b.WriteString("\nStage probability distribution\n")

	width := 0
	for _, l := range r.Labels {
		width = max(width, len(l))
	}
	for i, l := range r.Labels {
		p := float64(r.Probabilities[i])
		n := int(math.Round(p * barWidth))
		fmt.Fprintf(&b, "  %-*s %s%s %5.1f%%\n", width, l,
			strings.Repeat("#", n), strings.Repeat(".", barWidth-n), p*100)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ChartTitle heads every rendered pie chart.
const ChartTitle = "Alzheimer Stage Probability Distribution"

// palette assigns each stage a fixed colour by label index.
var palette = []drawing.Color{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
}

// ChartValues returns one labelled pie slice per stage with a non-zero
// probability, in label order. Each label carries its percentage.
func (r *Result) ChartValues() []chart.Value {
	var values []chart.Value
	for i, l := range r.Labels {
		p := float64(r.Probabilities[i])
		if p <= 0 {
			continue
		}
		values = append(values, chart.Value{
			Value: p,
			Label: fmt.Sprintf("%s %.1f%%", l, p*100),
			Style: chart.Style{
				FillColor:   palette[i%len(palette)],
				StrokeColor: drawing.ColorWhite,
				StrokeWidth: 1,
			},
		})
	}
	return values
}

// Chart writes a size x size PNG pie chart of the stage probabilities
// with a title and a percentage label on every slice.
func (r *Result) Chart(w io.Writer, size int) error {
	values := r.ChartValues()
	if len(values) == 0 {
		return errors.New("predict: chart: no stage has a non-zero probability")
	}
	pie := chart.PieChart{
		Title:  ChartTitle,
		Width:  size,
		Height: size,
		Values: values,
	}
	if err := pie.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("predict: chart: %w", err)
	}
	return nil
}
