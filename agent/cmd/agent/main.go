// Command agent runs the smotra monitoring agent.
//
// # Usage
//
//	agent run --config /etc/smotra/agent.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Config file (--config, YAML or TOML)
// - Environment variables (SMOTRA_*)
//
// On first start the agent has no credential. It registers with the server
// and prints a claim token; once an administrator claims it, the credential
// is written back to the config file.
//
// # Examples
//
// Create a config with a fresh identity:
//
//	agent init --config /etc/smotra/agent.yaml
//
// Check a config without starting:
//
//	agent validate --config /etc/smotra/agent.yaml
//
// Run with environment variables:
//
//	SMOTRA_SERVER_URL=https://api.smotra.net \
//	SMOTRA_AGENT_NAME=edge-fra-01 \
//	agent run
//
// Send SIGHUP to reload the config file without restarting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pilot-net/smotra-agent/agent"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

const banner = `
                     _
  ___ _ __ ___   ___ | |_ _ __ __ _
 / __| '_ ' _ \ / _ \| __| '__/ _' |
 \__ \ | | | | | (_) | |_| | | (_| |
 |___/_| |_| |_|\___/ \__|_|  \__,_|
`

var (
	configPath string
	debug      bool
	logFormat  string
	forceInit  bool
)

var rootCmd = &cobra.Command{
	Use:           "agent",
	Short:         "Smotra network monitoring agent",
	Version:       agent.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file and print every problem",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config with a new agent identity",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("smotra-agent %s (%s, %s/%s)\n", agent.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, text, json)")

	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// defaultConfigPath honors SMOTRA_CONFIG, then ./agent.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("SMOTRA_CONFIG"); p != "" {
		return p
	}
	return "agent.yaml"
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger(logFormat, debug)
	if err != nil {
		return err
	}

	color.New(color.FgCyan).Fprint(os.Stderr, banner)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "    version: %s\n\n", agent.Version)

	// The file may not hold an identity yet; Run claims one.
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.ValidateUnclaimed(); err != nil {
		return err
	}

	a, err := agent.New(cfg, agent.Options{
		ConfigPath: configPath,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	// Set up signal handling. SIGHUP is handled by the reload manager.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent exited with error: %w", err)
	}

	logger.Info("agent shutdown complete")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	err = cfg.Validate()
	if err == nil {
		green.Print("✓ ")
		fmt.Printf("%s is valid (%d endpoints, %d enabled)\n", configPath, len(cfg.Endpoints), len(cfg.EnabledEndpoints()))
		if !cfg.HasCredential() {
			yellow.Println("  no api_key yet: the agent will run the claim workflow on start")
		}
		return nil
	}

	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	// A missing identity alone is the normal state before the first claim.
	if !cfg.HasCredential() && cfg.ValidateUnclaimed() == nil {
		yellow.Print("! ")
		fmt.Printf("%s has no agent_id yet: one is assigned when the agent is claimed\n", configPath)
		return nil
	}

	red.Printf("✗ %s has %d problem(s):\n", configPath, len(verr.Problems))
	for _, p := range verr.Problems {
		fmt.Printf("  - %s\n", p)
	}
	return errors.New("configuration is invalid")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating agent id: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.AgentID = id
	sample := config.Endpoint{
		Address: "8.8.8.8",
		Check:   types.CheckPing,
		Tags:    []string{"sample"},
	}
	sample.ID = config.DeriveEndpointID(sample)
	cfg.Endpoints = []config.Endpoint{sample}

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("wrote %s\n", configPath)
	fmt.Printf("  agent_id: %s\n", id)
	fmt.Println("  start the agent with `agent run` to claim it")
	return nil
}
