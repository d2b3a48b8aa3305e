// Package main is the entry point for approvald, the approvals workflow
// service. The serve command runs the HTTP API; the remaining commands are
// operator tools that share the same configuration file.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "approvald",
	Short:         "Multi-step approval workflows with HSE escalation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.Version = version
		observability.Commit = commit
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APPROVALS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "override observability.log_level")
	rootCmd.PersistentFlags().Int("port", 0, "override server.port")
	rootCmd.PersistentFlags().Bool("json", false, "print command output as JSON")

	for _, name := range []string{"config", "log-level", "port", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		pendingCmd(),
		historyCmd(),
		watchCmd(),
		versionCmd(),
	)
}

// loadConfig reads the configuration file named by --config and applies
// the flag overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg)
	return cfg, cfg.Validate()
}

func applyFlagOverrides(cfg *config.Config) {
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}
	if port := viper.GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(map[string]string{"version": version, "commit": commit})
			}
			fmt.Printf("approvald %s (%s)\n", version, commit)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
