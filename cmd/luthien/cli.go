package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/config"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/obs"
)

var rootCmd = &cobra.Command{
	Use:   "luthien",
	Short: "Luthien Proxy - policy-controlled LLM traffic interception",
	Long: `Luthien Proxy sits between clients and LLM providers. A control plane
observes and may rewrite requests, responses and individual stream chunks
according to the configured policy; the gateway exposes OpenAI- and
Anthropic-compatible endpoints.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Best effort; a missing .env is the normal case.
		_ = godotenv.Load()

		env := config.FromEnv()
		level := "info"
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		obs.SetupLogging(obs.LogConfig{
			Level:      level,
			JSONFormat: env.LogJSON,
			File:       env.LogFile,
		})
	},
}

// Build information variables
var (
	// Set by compiler via -ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Luthien Proxy\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(controlPlaneCommand())
	rootCmd.AddCommand(gatewayCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}
