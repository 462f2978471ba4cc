package cmd

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	managerURL   string
	outputFormat string
	cfgFile      string
	apiKey       string
	insecure     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ensctl",
	Short: "CLI for the ensembled distributed system",
	Long:  `ensctl is a command line interface for managing workers and runs in the ensembled distributed evaluation system.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ensembled/config)")
	rootCmd.PersistentFlags().StringVar(&managerURL, "manager", "", "manager API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".ensembled/config" (without extension)
		configDir := filepath.Join(home, ".ensembled")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// Bind specific environment variables
	viper.BindEnv("api_key", "ENSEMBLED_API_KEY")
	viper.BindEnv("manager_url", "ENSEMBLED_MANAGER_URL")

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("manager_url") != "" && managerURL == "" {
			managerURL = viper.GetString("manager_url")
		}
		if viper.GetString("api_key") != "" && apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	}

	// Check environment variables if not set from config
	if apiKey == "" && viper.GetString("api_key") != "" {
		apiKey = viper.GetString("api_key")
	}
	if managerURL == "" && viper.GetString("manager_url") != "" {
		managerURL = viper.GetString("manager_url")
	}

	// Set default if still empty
	if managerURL == "" {
		managerURL = "http://localhost:8080"
	}
}

// GetManagerURL returns the configured manager URL with trailing slashes removed
func GetManagerURL() string {
	return strings.TrimRight(managerURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// GetHTTPClient returns an HTTP client honoring the --insecure flag
func GetHTTPClient() *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}
	if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return req, nil
}
