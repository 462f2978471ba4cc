package plot

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/ensembled/pkg/models"
)

// Glyphs assigned to workers in sorted worker-id order. Wraps around if a
// run somehow used more workers than we have symbols for.
var workerGlyphs = []rune{'*', '+', 'o', 'x', '#', '@', '%', '&'}

// Scatter renders completed 1-D evaluations as an ASCII scatter plot.
// Each worker gets its own glyph so the interleaving of work across
// workers is visible at a glance. Rows with no output or with inputs of
// dimension != 1 are skipped.
func Scatter(evals []*models.Evaluation, width, height int) string {
	if width < 16 {
		width = 16
	}
	if height < 8 {
		height = 8
	}

	points := plottable(evals)
	if len(points) == 0 {
		return "no completed evaluations to plot\n"
	}

	minX, maxX := points[0].x, points[0].x
	minY, maxY := points[0].y, points[0].y
	for _, p := range points[1:] {
		minX = math.Min(minX, p.x)
		maxX = math.Max(maxX, p.x)
		minY = math.Min(minY, p.y)
		maxY = math.Max(maxY, p.y)
	}
	// Degenerate ranges still need a nonzero span to divide by
	if maxX == minX {
		maxX = minX + 1
	}
	if maxY == minY {
		maxY = minY + 1
	}

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = make([]rune, width)
		for j := range grid[i] {
			grid[i][j] = ' '
		}
	}

	glyphs := glyphsByWorker(points)
	for _, p := range points {
		col := int(math.Round((p.x - minX) / (maxX - minX) * float64(width-1)))
		row := int(math.Round((p.y - minY) / (maxY - minY) * float64(height-1)))
		// Row 0 of the grid is the top of the plot
		grid[height-1-row][col] = glyphs[p.workerID]
	}

	var b strings.Builder
	for i, row := range grid {
		switch i {
		case 0:
			fmt.Fprintf(&b, "%8.3f |%s|\n", maxY, string(row))
		case height - 1:
			fmt.Fprintf(&b, "%8.3f |%s|\n", minY, string(row))
		default:
			fmt.Fprintf(&b, "%8s |%s|\n", "", string(row))
		}
	}
	fmt.Fprintf(&b, "%8s  %-*.3f%*.3f\n", "", width/2, minX, width-width/2, maxX)

	// Legend in sorted worker order so output is stable
	ids := make([]string, 0, len(glyphs))
	for id := range glyphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "%8s  %c = %s\n", "", glyphs[id], id)
	}

	return b.String()
}

// WorkerSummary writes a per-worker contribution table for a finished run.
func WorkerSummary(w io.Writer, workers []models.WorkerInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("Worker", "Evals Done", "Busy Time")

	total := 0
	for _, info := range workers {
		table.Append(info.WorkerID, fmt.Sprintf("%d", info.EvalsDone), info.BusyTime.Round(1e6).String())
		total += info.EvalsDone
	}

	table.Render()
	fmt.Fprintf(w, "\nTotal evaluations: %d\n", total)
}

// ResultsTable writes the full results table, one row per evaluation in
// sim-id order.
func ResultsTable(w io.Writer, evals []*models.Evaluation) {
	table := tablewriter.NewWriter(w)
	table.Header("Sim ID", "Batch", "Input", "Output", "Worker", "State")

	for _, eval := range evals {
		output := "-"
		if len(eval.Output) > 0 {
			output = formatVector(eval.Output)
		} else if eval.Error != "" {
			output = "error: " + eval.Error
		}
		worker := eval.WorkerID
		if worker == "" {
			worker = "-"
		}
		table.Append(
			fmt.Sprintf("%d", eval.SimID),
			fmt.Sprintf("%d", eval.Batch),
			formatVector(eval.Input),
			output,
			worker,
			string(eval.State),
		)
	}

	table.Render()
}

type point struct {
	x, y     float64
	workerID string
}

func plottable(evals []*models.Evaluation) []point {
	var points []point
	for _, eval := range evals {
		if eval.State != models.EvalStateReturned {
			continue
		}
		if len(eval.Input) != 1 || len(eval.Output) < 1 {
			continue
		}
		points = append(points, point{x: eval.Input[0], y: eval.Output[0], workerID: eval.WorkerID})
	}
	return points
}

func glyphsByWorker(points []point) map[string]rune {
	ids := make(map[string]bool)
	for _, p := range points {
		ids[p.workerID] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	glyphs := make(map[string]rune, len(sorted))
	for i, id := range sorted {
		glyphs[id] = workerGlyphs[i%len(workerGlyphs)]
	}
	return glyphs
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.6f", x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
