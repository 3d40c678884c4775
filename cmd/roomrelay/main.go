package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/setup"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roomrelay",
		Short: "Authenticated WebSocket chat-room relay with a REST API for accounts and rooms",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "RoomRelay %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid.\n")
			fmt.Fprintf(out, "  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Driver)
			fmt.Fprintf(out, "  Membership cache: %v\n", cfg.Storage.MembershipCache.Enabled)
			fmt.Fprintf(out, "  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Fprintf(out, "  Allowed networks: %v\n", cfg.Security.AllowedNetworks)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(cmd, url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(cmd.InOrStdin(), cmd.OutOrStdout(), setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/roomrelay/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printFlag, _ := cmd.Flags().GetBool("print"); printFlag {
				fmt.Fprint(cmd.OutOrStdout(), systemdUnit)
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	var tokenUser int64
	var tokenTTL time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay credential for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return mintToken(cmd, cfg, chat.Identity(tokenUser), tokenTTL)
		},
	}
	tokenCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	tokenCmd.Flags().Int64Var(&tokenUser, "user", 0, "User id to put in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
	tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd, tokenCmd)
	return rootCmd
}

func mintToken(cmd *cobra.Command, cfg *config.Config, id chat.Identity, ttl time.Duration) error {
	if id <= 0 {
		return fmt.Errorf("--user must be a positive id")
	}
	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}
	v, err := security.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Algorithm, cfg.Auth.RequireExpiry)
	if err != nil {
		return err
	}
	token, exp, err := v.Issue(id, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	if !exp.IsZero() {
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

var healthClient = &http.Client{Timeout: 5 * time.Second}

func checkHealth(cmd *cobra.Command, url string) error {
	resp, err := healthClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Fprintln(cmd.OutOrStdout(), "healthy")
		return nil
	}
	return fmt.Errorf("unhealthy (status: %d)", resp.StatusCode)
}

const systemdUnit = `[Unit]
Description=RoomRelay - WebSocket chat-room relay
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=roomrelay
Group=roomrelay
ExecStartPre=/usr/local/bin/roomrelay validate --config /etc/roomrelay/config.yaml
ExecStart=/usr/local/bin/roomrelay start --config /etc/roomrelay/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/roomrelay
LogsDirectory=roomrelay
StateDirectory=roomrelay
LimitNOFILE=65535

# Each connection holds a send queue of send_queue_size frames
MemoryMax=512M

StandardOutput=journal
StandardError=journal
SyslogIdentifier=roomrelay

[Install]
WantedBy=multi-user.target
`
