package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/agentclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type agentFlags struct {
	serverURL    string
	agentID      string
	apiKey       string
	capabilities string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &agentFlags{}

	root := &cobra.Command{
		Use:   "netpulse-agent",
		Short: "Netpulse agent — remote probe endpoint",
		Long: `Netpulse agent connects to the central server over a persistent
WebSocket channel, authenticates with its enrollment credentials, and
executes assigned measurement tasks. Without measurement modules linked
in it still serves the full control channel (heartbeats, resource
reports, assignment acknowledgement), answering every task with a
failure result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netpulse-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	root.PersistentFlags().StringVar(&flags.serverURL, "server-url", envOrDefault("NETPULSE_SERVER_URL", "ws://localhost:8080/api/v1/agents/ws"), "Server control-channel URL")
	root.PersistentFlags().StringVar(&flags.agentID, "agent-id", envOrDefault("NETPULSE_AGENT_ID", ""), "Agent UUID issued at enrollment (required)")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", envOrDefault("NETPULSE_API_KEY", ""), "API key issued at enrollment (required)")
	root.PersistentFlags().StringVar(&flags.capabilities, "capabilities", envOrDefault("NETPULSE_CAPABILITIES", "icmp,tcp,udp,http,https"), "Comma-separated protocol capabilities")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("NETPULSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(cmd *cobra.Command, flags *agentFlags) error {
	if flags.agentID == "" || flags.apiKey == "" {
		return fmt.Errorf("agent id and api key are required — set --agent-id/--api-key or NETPULSE_AGENT_ID/NETPULSE_API_KEY")
	}

	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	var capabilities []string
	for _, c := range strings.Split(flags.capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			capabilities = append(capabilities, c)
		}
	}

	logger.Info("starting netpulse agent",
		zap.String("version", version),
		zap.String("server_url", flags.serverURL),
		zap.String("agent_id", flags.agentID),
		zap.Strings("capabilities", capabilities),
	)

	client := agentclient.New(agentclient.Config{
		ServerURL:    flags.serverURL,
		AgentID:      flags.agentID,
		APIKey:       flags.apiKey,
		Capabilities: capabilities,
		Version:      version,
	}, agentclient.UnimplementedExecutor{}, logger)

	return client.Run(cmd.Context())
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
