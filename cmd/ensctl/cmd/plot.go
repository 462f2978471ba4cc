package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/psantana5/ensembled/pkg/models"
	plotpkg "github.com/psantana5/ensembled/pkg/plot"
)

var (
	plotWidth  int
	plotHeight int
)

var plotCmd = &cobra.Command{
	Use:   "plot <run-id>",
	Short: "Plot the results of a run",
	Long: `Render an ASCII scatter plot of a run's completed evaluations, with
one glyph per worker, followed by a per-worker contribution summary.
Only runs with 1-D inputs can be plotted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlot,
}

func init() {
	rootCmd.AddCommand(plotCmd)

	plotCmd.Flags().IntVar(&plotWidth, "width", 72, "plot width in characters")
	plotCmd.Flags().IntVar(&plotHeight, "height", 20, "plot height in characters")
}

func runPlot(cmd *cobra.Command, args []string) error {
	result, err := fetchRunResults(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run #%d: %s/%s (%s, %d/%d evaluations)\n\n",
		result.Run.SequenceNumber,
		result.Run.Generator,
		result.Run.Simulator,
		result.Run.Status,
		result.Run.EvalsReturned,
		result.Run.EvalsIssued,
	)

	fmt.Print(plotpkg.Scatter(result.Results, plotWidth, plotHeight))
	fmt.Println()
	plotpkg.WorkerSummary(os.Stdout, workerInfoFromTable(result.Results))

	return nil
}

// workerInfoFromTable tallies per-worker contributions from the raw table
func workerInfoFromTable(evals []*models.Evaluation) []models.WorkerInfo {
	counts := make(map[string]*models.WorkerInfo)
	for _, eval := range evals {
		if eval.WorkerID == "" || eval.State != models.EvalStateReturned {
			continue
		}
		info, ok := counts[eval.WorkerID]
		if !ok {
			info = &models.WorkerInfo{WorkerID: eval.WorkerID}
			counts[eval.WorkerID] = info
		}
		info.EvalsDone++
		if eval.GivenAt != nil && eval.ReturnedAt != nil {
			info.BusyTime += eval.ReturnedAt.Sub(*eval.GivenAt)
		}
	}

	infos := make([]models.WorkerInfo, 0, len(counts))
	for _, info := range counts {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos
}
