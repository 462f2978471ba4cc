package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ensembled/pkg/agent"
	"github.com/psantana5/ensembled/pkg/config"
	"github.com/psantana5/ensembled/pkg/logging"
	"github.com/psantana5/ensembled/pkg/models"
)

var (
	configEnvironment string
	configOutput      string
	configInitPath    string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management and recommendations",
	Long:  `Commands for generating run files and recommending worker configuration based on hardware capabilities.`,
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Generate recommended worker configuration",
	Long: `Analyzes system hardware (CPU, RAM) and generates worker configuration
parameters. Takes into account the deployment environment (development,
staging, production) to provide safe defaults.`,
	RunE: runConfigRecommend,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example run file",
	Long:  `Write an example YAML run file that can be edited and submitted with 'ensctl runs submit --file'.`,
	RunE:  runConfigInit,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the CLI configuration",
	Long:  `Display the settings loaded from $HOME/.ensembled/config.yaml and the environment.`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a CLI configuration value",
	Long:  `Persist a setting (manager_url or api_key) to $HOME/.ensembled/config.yaml.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate [manager|worker]",
	Short: "Print a logrotate configuration",
	Long: `Print a logrotate configuration for the manager or worker log
directory, ready to be installed under /etc/logrotate.d/.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigLogrotate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRecommendCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configRecommendCmd.Flags().StringVarP(&configEnvironment, "environment", "e", "development",
		"Deployment environment: development, staging, production")
	configRecommendCmd.Flags().StringVarP(&configOutput, "output", "o", "text",
		"Output format: text, json, yaml, bash")

	configInitCmd.Flags().StringVarP(&configInitPath, "path", "p", "run.yaml", "Where to write the run file")
}

type ConfigRecommendation struct {
	Hardware        HardwareInfo `json:"hardware" yaml:"hardware"`
	Recommendations WorkerConfig `json:"recommendations" yaml:"recommendations"`
	Rationale       string       `json:"rationale" yaml:"rationale"`
}

type HardwareInfo struct {
	CPUModel     string `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads" yaml:"cpu_threads"`
	RAMBytes     uint64 `json:"ram_bytes" yaml:"ram_bytes"`
	WorkerType   string `json:"worker_type" yaml:"worker_type"`
	OS           string `json:"os" yaml:"os"`
	Architecture string `json:"architecture" yaml:"architecture"`
}

type WorkerConfig struct {
	LeaseSize    int    `json:"lease_size" yaml:"lease_size"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
	MetricsPort  int    `json:"metrics_port" yaml:"metrics_port"`
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	caps, err := agent.DetectHardware()
	if err != nil {
		return fmt.Errorf("failed to detect hardware: %w", err)
	}

	workerType := agent.ClassifyWorker(caps)

	hardware := HardwareInfo{
		CPUModel:     caps.CPUModel,
		CPUThreads:   caps.CPUThreads,
		RAMBytes:     caps.RAMTotalBytes,
		WorkerType:   string(workerType),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	workerConfig := calculateRecommendations(hardware, configEnvironment)
	rationale := generateRationale(hardware, workerConfig, configEnvironment)

	recommendation := ConfigRecommendation{
		Hardware:        hardware,
		Recommendations: workerConfig,
		Rationale:       rationale,
	}

	return outputRecommendation(recommendation, configOutput)
}

func calculateRecommendations(hw HardwareInfo, environment string) WorkerConfig {
	// Simulators are CPU-bound, so lease roughly one point per core and
	// keep a few cores free for the host
	leaseSize := hw.CPUThreads - 2
	if environment == "development" {
		leaseSize = hw.CPUThreads / 2
	}
	if leaseSize > getMaxLeaseLimit(hw.WorkerType) {
		leaseSize = getMaxLeaseLimit(hw.WorkerType)
	}
	if leaseSize < 1 {
		leaseSize = 1
	}

	// Poll interval: faster for production
	pollInterval := "5s"
	if environment == "production" {
		pollInterval = "2s"
	}

	return WorkerConfig{
		LeaseSize:    leaseSize,
		PollInterval: pollInterval,
		MetricsPort:  9091,
	}
}

func getMaxLeaseLimit(workerType string) int {
	switch models.WorkerType(workerType) {
	case models.WorkerTypeLaptop:
		return 4
	case models.WorkerTypeDesktop:
		return 8
	default:
		return 32
	}
}

func generateRationale(hw HardwareInfo, workerConfig WorkerConfig, env string) string {
	envFactor := "base"
	if env == "development" {
		envFactor = "50% (development environment)"
	} else if env == "production" {
		envFactor = "100% (production environment)"
	}

	return fmt.Sprintf(
		"Based on %d CPU threads and %d GB RAM: recommended lease size %d "+
			"(capacity factor: %s, worker type limit: %d)",
		hw.CPUThreads,
		hw.RAMBytes/(1024*1024*1024),
		workerConfig.LeaseSize,
		envFactor,
		getMaxLeaseLimit(hw.WorkerType),
	)
}

func outputRecommendation(rec ConfigRecommendation, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rec)

	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(rec)

	case "bash":
		fmt.Println("# Worker configuration recommendations")
		fmt.Printf("export LEASE_SIZE=%d\n", rec.Recommendations.LeaseSize)
		fmt.Printf("export POLL_INTERVAL=%s\n", rec.Recommendations.PollInterval)
		fmt.Printf("export METRICS_PORT=%d\n", rec.Recommendations.MetricsPort)
		fmt.Println()
		fmt.Printf("# %s\n", rec.Rationale)
		return nil

	default: // text
		fmt.Println("Hardware Configuration:")
		fmt.Printf("  CPU: %s (%d threads)\n", rec.Hardware.CPUModel, rec.Hardware.CPUThreads)
		fmt.Printf("  RAM: %d GB\n", rec.Hardware.RAMBytes/(1024*1024*1024))
		fmt.Printf("  Worker Type: %s\n", rec.Hardware.WorkerType)
		fmt.Printf("  OS: %s/%s\n", rec.Hardware.OS, rec.Hardware.Architecture)
		fmt.Println()

		fmt.Println("Recommended Worker Configuration:")
		fmt.Printf("  --lease-size %d\n", rec.Recommendations.LeaseSize)
		fmt.Printf("  --poll-interval %s\n", rec.Recommendations.PollInterval)
		fmt.Printf("  --metrics-port %d\n", rec.Recommendations.MetricsPort)
		fmt.Println()

		fmt.Println("Rationale:")
		fmt.Printf("  %s\n", rec.Rationale)
		fmt.Println()

		fmt.Println("Example command:")
		fmt.Printf("  ./bin/ensworker --manager http://MANAGER_IP:8080 \\\n")
		fmt.Printf("    --lease-size %d \\\n", rec.Recommendations.LeaseSize)
		fmt.Printf("    --poll-interval %s \\\n", rec.Recommendations.PollInterval)
		fmt.Printf("    --metrics-port %d\n", rec.Recommendations.MetricsPort)

		return nil
	}
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := map[string]string{
		"manager_url": GetManagerURL(),
		"api_key":     maskKey(GetAPIKey()),
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
	fmt.Printf("manager_url: %s\n", settings["manager_url"])
	fmt.Printf("api_key:     %s\n", settings["api_key"])
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	switch key {
	case "manager_url", "api_key":
	default:
		return fmt.Errorf("unknown config key %q (valid: manager_url, api_key)", key)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}
	configDir := filepath.Join(home, ".ensembled")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, value)
	configPath := filepath.Join(configDir, "config.yaml")
	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("✓ Set %s in %s\n", key, configPath)
	return nil
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	req := &models.RunRequest{
		Generator: "uniform",
		Simulator: "sine",
		BatchSize: 5,
		Params: models.GenParams{
			Lower: []float64{-3},
			Upper: []float64{3},
			Seed:  42,
		},
		Exit: models.ExitCriteria{
			MaxEvals:  80,
			WallClock: 5 * time.Minute,
		},
	}

	if err := config.WriteRunFile(configInitPath, req); err != nil {
		return err
	}

	fmt.Printf("✓ Wrote example run file to %s\n", configInitPath)
	fmt.Printf("Submit it with: ensctl runs submit --file %s\n", configInitPath)
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	component := "manager"
	if len(args) == 1 {
		component = args[0]
	}

	switch component {
	case "manager":
		fmt.Print(logging.GenerateManagerLogrotate())
	case "worker":
		fmt.Print(logging.GenerateWorkerLogrotate())
	default:
		return fmt.Errorf("unknown component %q (expected manager or worker)", component)
	}
	return nil
}
