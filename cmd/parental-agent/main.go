package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parental/agent/internal/audit"
	"github.com/parental/agent/internal/config"
	"github.com/parental/agent/internal/logging"
	"github.com/parental/agent/internal/state"

	_ "time/tzdata"
)

var log = logging.L("main")

var (
	version      = "0.1.0"
	cfgFile      string
	serverAddr   string
	deviceID     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "parental-agent",
	Short: "Parental control agent",
	Long:  `Parental Agent - locks the console session according to the schedule configured for this device`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Keep CLI output parseable; `run` re-initialises from config.
		logging.Init("text", "warn", os.Stderr)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set the server address and device id",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configureDevice(serverAddr, deviceID)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Parental Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus(cmd.OutOrStdout(), outputFormat)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the enforcement audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the audit log hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.AuditFile
		}
		return verifyAudit(cmd.OutOrStdout(), path)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the config directory)")

	configureCmd.Flags().StringVar(&serverAddr, "server", "", "control plane base URL, e.g. https://parental.example.com")
	configureCmd.Flags().StringVar(&deviceID, "device", "", "device id assigned by the control plane")
	_ = configureCmd.MarkFlagRequired("server")
	_ = configureCmd.MarkFlagRequired("device")

	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	auditCmd.AddCommand(auditVerifyCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration. Fatal problems are
// returned; warnings are logged after the values were clamped.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	res := cfg.ValidateTiered()
	for _, w := range res.Warnings {
		log.Warn("config adjusted", logging.KeyError, w)
	}
	if res.HasFatals() {
		msgs := make([]string, 0, len(res.Fatals))
		for _, f := range res.Fatals {
			msgs = append(msgs, f.Error())
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (state.Store, error) {
	return state.New(state.Options{
		Backend:      cfg.StateBackend,
		RegistryPath: cfg.RegistryPath,
		FilePath:     cfg.StateFile,
	})
}

func configureDevice(server, id string) error {
	server = strings.TrimSpace(server)
	id = strings.TrimSpace(id)
	if err := config.ValidateServerAddress(server); err != nil {
		return err
	}
	if err := config.ValidateDeviceID(id); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	prev := store.Load()
	if err := store.Configure(server, id); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	if cfg.AuditEnabled {
		if al, err := audit.NewLogger(audit.Options{
			Path:       cfg.AuditFile,
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
		}); err == nil {
			al.Log(audit.EventConfigChange, id, map[string]any{
				"serverAddress":    server,
				"previousServer":   prev.ServerAddress,
				"previousDeviceId": prev.DeviceID,
				"changedBy":        "configure",
			})
			al.Close()
		} else {
			log.Warn("audit log unavailable", logging.KeyError, err)
		}
	}

	fmt.Printf("Device %s configured against %s.\n", id, server)
	fmt.Println("The running agent picks the change up on its next tick.")
	return nil
}
