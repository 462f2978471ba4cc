package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/ensembled/pkg/models"
)

// workersCmd represents the workers command
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage workers",
	Long:  `Commands for listing and managing workers in the ensembled distributed system.`,
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered workers",
	Long:  `Retrieve and display all registered workers from the manager.`,
	RunE:  runWorkersList,
}

var workersDescribeCmd = &cobra.Command{
	Use:   "describe <worker-id>",
	Short: "Get detailed information about a worker",
	Long:  `Retrieve hardware capabilities, status, and current run for a specific worker.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersDescribe,
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Remove a worker",
	Long:  `Deregister a worker from the manager. A running worker will simply re-register on its next heartbeat.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersRemove,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersDescribeCmd)
	workersCmd.AddCommand(workersRemoveCmd)
}

type workersListResponse struct {
	Workers []models.Worker `json:"workers"`
	Count   int             `json:"count"`
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/workers", GetManagerURL())

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

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result workersListResponse
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
		table.Header("ID", "Address", "Type", "Threads", "Status", "Current Run", "Last Seen")

		for _, worker := range result.Workers {
			currentRun := worker.CurrentRunID
			if currentRun == "" {
				currentRun = "-"
			} else if len(currentRun) > 8 {
				currentRun = currentRun[:8]
			}

			table.Append(
				shortID(worker.ID),
				worker.Address,
				string(worker.Type),
				fmt.Sprintf("%d", worker.CPUThreads),
				worker.Status,
				currentRun,
				worker.LastHeartbeat.Format("15:04:05"),
			)
		}

		table.Render()
		fmt.Printf("\nTotal workers: %d\n", result.Count)
	}

	return nil
}

func runWorkersDescribe(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/workers/%s", GetManagerURL(), args[0])

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

	var worker models.Worker
	if err := json.Unmarshal(body, &worker); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(worker, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("ID", worker.ID)
	table.Append("Address", worker.Address)
	table.Append("Type", string(worker.Type))
	table.Append("CPU", fmt.Sprintf("%s (%d threads)", worker.CPUModel, worker.CPUThreads))
	table.Append("RAM", fmt.Sprintf("%d GB", worker.RAMTotalBytes/(1024*1024*1024)))
	table.Append("Status", worker.Status)
	if worker.CurrentRunID != "" {
		table.Append("Current Run", worker.CurrentRunID)
	}
	table.Append("Registered At", worker.RegisteredAt.Format(time.RFC3339))
	table.Append("Last Heartbeat", worker.LastHeartbeat.Format(time.RFC3339))

	for key, value := range worker.Labels {
		table.Append("Label: "+key, value)
	}

	table.Render()
	return nil
}

func runWorkersRemove(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/workers/%s", GetManagerURL(), args[0])

	httpReq, err := CreateAuthenticatedRequest("DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to manager API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("✓ Worker %s removed successfully\n", args[0])
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
