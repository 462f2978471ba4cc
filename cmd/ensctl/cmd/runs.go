package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/ensembled/pkg/config"
	"github.com/psantana5/ensembled/pkg/models"
	plotpkg "github.com/psantana5/ensembled/pkg/plot"
)

var (
	// Run submit flags
	runFile      string
	generator    string
	simulator    string
	batchSize    int
	maxEvals     int
	wallClock    time.Duration
	lowerBounds  []float64
	upperBounds  []float64
	seed         int64

	// Run status flags
	followStatus bool
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage ensemble runs",
	Long:  `Commands for submitting, listing, and managing runs in the ensembled distributed system.`,
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new run",
	Long:  `Submit a new ensemble run to the manager, either from a YAML run file or from flags.`,
	RunE:  runRunsSubmit,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Get run status",
	Long:  `Retrieve the status of a specific run by its ID or sequence number. If no ID is provided, lists all runs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunsStatus,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Long:  `Cancel a pending or running run. Evaluations already returned stay in the results table.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var runsResultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Show the results table of a run",
	Long:  `Retrieve the full results table for a run, one row per evaluation in sim-id order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsResults,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsSubmitCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsResultsCmd)

	// Flags for run submit
	runsSubmitCmd.Flags().StringVarP(&runFile, "file", "f", "", "YAML run file (flags below are ignored when set)")
	runsSubmitCmd.Flags().StringVar(&generator, "generator", "uniform", "registered generator name")
	runsSubmitCmd.Flags().StringVar(&simulator, "simulator", "sine", "registered simulator name")
	runsSubmitCmd.Flags().IntVar(&batchSize, "batch", 1, "points per generator batch")
	runsSubmitCmd.Flags().IntVar(&maxEvals, "max-evals", 0, "total evaluation budget")
	runsSubmitCmd.Flags().DurationVar(&wallClock, "wall-clock", 0, "wall clock limit (e.g. 5m)")
	runsSubmitCmd.Flags().Float64SliceVar(&lowerBounds, "lower", []float64{-3}, "per-dimension lower bounds")
	runsSubmitCmd.Flags().Float64SliceVar(&upperBounds, "upper", []float64{3}, "per-dimension upper bounds")
	runsSubmitCmd.Flags().Int64Var(&seed, "seed", 0, "rng seed (0 means time-based)")

	// Flags for run status
	runsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll run status every 2 seconds until completion")
}

type runsListResponse struct {
	Runs  []models.Run `json:"runs"`
	Count int          `json:"count"`
}

type runResultsResponse struct {
	Run     models.Run           `json:"run"`
	Results []*models.Evaluation `json:"results"`
	Count   int                  `json:"count"`
}

func buildRunRequest() (*models.RunRequest, error) {
	if runFile != "" {
		return config.LoadRunFile(runFile)
	}

	req := &models.RunRequest{
		Generator: generator,
		Simulator: simulator,
		BatchSize: batchSize,
		Params: models.GenParams{
			Lower: lowerBounds,
			Upper: upperBounds,
			Seed:  seed,
		},
		Exit: models.ExitCriteria{
			MaxEvals:  maxEvals,
			WallClock: wallClock,
		},
	}
	config.ApplyDefaults(req)
	if err := config.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildRunRequest()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/runs", GetManagerURL())

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result models.Run
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("Run #", fmt.Sprintf("%d", result.SequenceNumber))
		table.Append("Generator", result.Generator)
		table.Append("Simulator", result.Simulator)
		table.Append("Batch Size", fmt.Sprintf("%d", result.BatchSize))
		table.Append("Evals Issued", fmt.Sprintf("%d", result.EvalsIssued))
		table.Append("Status", string(result.Status))
		table.Append("Created At", result.CreatedAt.Format(time.RFC3339))

		table.Render()
		fmt.Printf("\nRun submitted successfully! Run #%d\n", result.SequenceNumber)
	}

	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	// If no run ID provided, list all runs
	if len(args) == 0 {
		return listAllRuns()
	}

	runID := args[0]

	if followStatus {
		fmt.Printf("Following run %s (press Ctrl+C to stop)...\n\n", runID)
		for {
			result, err := fetchRunStatus(runID)
			if err != nil {
				return err
			}

			fmt.Print("\033[H\033[2J") // Clear screen
			displayRunStatus(result)

			if result.Status == models.RunStatusCompleted ||
				result.Status == models.RunStatusFailed ||
				result.Status == models.RunStatusCanceled {
				fmt.Println("\n✓ Run reached terminal state")
				break
			}

			time.Sleep(2 * time.Second)
		}
	} else {
		result, err := fetchRunStatus(runID)
		if err != nil {
			return err
		}
		displayRunStatus(result)
	}

	return nil
}

func listAllRuns() error {
	url := fmt.Sprintf("%s/runs", GetManagerURL())

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result runsListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Run #", "Generator", "Simulator", "Status", "Issued", "Returned", "Created")

		for _, run := range result.Runs {
			table.Append(
				fmt.Sprintf("%d", run.SequenceNumber),
				run.Generator,
				run.Simulator,
				string(run.Status),
				fmt.Sprintf("%d", run.EvalsIssued),
				fmt.Sprintf("%d", run.EvalsReturned),
				run.CreatedAt.Format("2006-01-02 15:04"),
			)
		}

		table.Render()
		fmt.Printf("\nTotal runs: %d\n", result.Count)
	}

	return nil
}

func fetchRunStatus(runID string) (*models.Run, error) {
	url := fmt.Sprintf("%s/runs/%s", GetManagerURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result models.Run
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func displayRunStatus(result *models.Run) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Run #", fmt.Sprintf("%d", result.SequenceNumber))
	table.Append("Generator", result.Generator)
	table.Append("Simulator", result.Simulator)
	table.Append("Batch Size", fmt.Sprintf("%d", result.BatchSize))
	table.Append("Status", string(result.Status))
	table.Append("Evals Issued", fmt.Sprintf("%d", result.EvalsIssued))
	table.Append("Evals Returned", fmt.Sprintf("%d", result.EvalsReturned))

	if result.Exit.MaxEvals > 0 {
		table.Append("Max Evals", fmt.Sprintf("%d", result.Exit.MaxEvals))
	}
	if result.Exit.WallClock > 0 {
		table.Append("Wall Clock", result.Exit.WallClock.String())
	}

	table.Append("Created At", result.CreatedAt.Format(time.RFC3339))

	if result.StartedAt != nil {
		table.Append("Started At", result.StartedAt.Format(time.RFC3339))
	}
	if result.CompletedAt != nil {
		table.Append("Completed At", result.CompletedAt.Format(time.RFC3339))
	}
	if result.Error != "" {
		table.Append("Error", result.Error)
	}

	table.Render()
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	url := fmt.Sprintf("%s/runs/%s/cancel", GetManagerURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("✓ Run %s canceled successfully\n", runID)
	return nil
}

func fetchRunResults(runID string) (*runResultsResponse, error) {
	url := fmt.Sprintf("%s/runs/%s/results", GetManagerURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result runResultsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func runRunsResults(cmd *cobra.Command, args []string) error {
	result, err := fetchRunResults(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	displayRunStatus(&result.Run)
	fmt.Println()
	plotpkg.ResultsTable(os.Stdout, result.Results)
	return nil
}
