package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/finguard"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/persist"
)

const passphraseEnvVar = "FINGUARD_PASSPHRASE"

var (
	cfgFile     string
	storePath   string
	passphrase  string
	manager     *finguard.Manager
	auditLogger audit.Logger
	logger      = logrus.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "finguard",
	Short: "Local-only encrypted storage for personal financial data",
	Long: `finguard keeps personal financial data encrypted on this device.

Values are encrypted with a key derived from your passphrase before they touch
disk. Backups are plain local files that are checksummed and carry explicit
local-only markers, and a built-in auditor looks for financial data or
credentials left unprotected.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initializeManager,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	// the manager is closed whether or not the command failed
	if closeErr := closeManager(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.finguard.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to local storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "passphrase (or use "+passphraseEnvVar+" env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (bolt, filesystem, memory)")
	rootCmd.PersistentFlags().String("backup-dir", "", "directory for backup bundles")
	rootCmd.PersistentFlags().String("log-level", "", "operational log level (debug, info, warn, error)")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("backup.dir", "backup-dir")
	bindFlagOrPanic("log.level", "log-level")

	rootCmd.PersistentFlags().Bool("audit", true, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, memory)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".finguard")
	}

	viper.SetEnvPrefix("FINGUARD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".finguard")
	viper.SetDefault("store.type", string(persist.StoreTypeBolt))
	viper.SetDefault("store.namespace", "default")

	viper.SetDefault("backup.dir", "")

	viper.SetDefault("security.encryption_enabled", true)
	// every CLI invocation is its own session; only `watch` cleans up on exit
	viper.SetDefault("security.auto_cleanup_on_exit", false)
	viper.SetDefault("security.session_timeout", finguard.DefaultSessionTimeout.String())
	viper.SetDefault("security.backup_retention", finguard.DefaultBackupRetention.String())
	viper.SetDefault("security.memory_lock", false)
	viper.SetDefault("security.cipher", string(finguard.CipherAES256GCM))
	viper.SetDefault("security.kdf_iterations", 0)

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.interval", finguard.DefaultAuditInterval.String())
	viper.SetDefault("audit.capacity", audit.DefaultCapacity)
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "warn")
}

// skipsManager reports whether cmd runs without opening secure storage
func skipsManager(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeManager(cmd *cobra.Command, args []string) error {
	if skipsManager(cmd) {
		return nil
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)

	storePath = viper.GetString("store.path")
	if err = os.MkdirAll(storePath, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}
	if viper.GetString("backup.dir") == "" {
		viper.Set("backup.dir", filepath.Join(storePath, "backups"))
	}

	options, err := buildOptions()
	if err != nil {
		return err
	}
	if cmd.Name() == "watch" {
		options.AutoCleanupOnExit = true
	}

	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	manager, err = finguard.New(options, store, nil, auditLogger)
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		return err
	}
	finguard.SetDefault(manager)
	return nil
}

func closeManager() error {
	if manager == nil {
		return nil
	}
	err := manager.Close()
	manager = nil
	return err
}

func buildOptions() (finguard.Options, error) {
	options := finguard.DefaultOptions()

	passphrase = viper.GetString("store.passphrase")
	if passphrase != "" {
		options.Passphrase = passphrase
	} else {
		options.EnvPassphraseVar = passphraseEnvVar
		if os.Getenv(passphraseEnvVar) == "" {
			return options, fmt.Errorf("passphrase is required. Use --passphrase flag or %s environment variable", passphraseEnvVar)
		}
	}

	sessionTimeout, err := parseDurationKey("security.session_timeout")
	if err != nil {
		return options, err
	}
	retention, err := parseDurationKey("security.backup_retention")
	if err != nil {
		return options, err
	}
	interval, err := parseDurationKey("audit.interval")
	if err != nil {
		return options, err
	}

	options.EncryptionEnabled = viper.GetBool("security.encryption_enabled")
	options.AutoCleanupOnExit = viper.GetBool("security.auto_cleanup_on_exit")
	options.SessionTimeout = sessionTimeout
	options.BackupRetention = retention
	options.AuditLogging = viper.GetBool("audit.enabled")
	options.AuditInterval = interval
	options.AuditCapacity = viper.GetInt("audit.capacity")
	options.EnableMemoryLock = viper.GetBool("security.memory_lock")
	options.Cipher = finguard.Cipher(viper.GetString("security.cipher"))
	options.KDFIterations = viper.GetInt("security.kdf_iterations")
	options.BackupDir = viper.GetString("backup.dir")
	options.Logger = logger

	if err = options.Validate(); err != nil {
		return options, fmt.Errorf("invalid configuration: %w", err)
	}
	return options, nil
}

func parseDurationKey(key string) (time.Duration, error) {
	raw := viper.GetString(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

func createStore() (persist.Store, error) {
	return persist.NewStore(persist.StoreConfig{
		Type:      persist.StoreType(strings.ToLower(viper.GetString("store.type"))),
		Namespace: viper.GetString("store.namespace"),
		Config: map[string]interface{}{
			"base_path": viper.GetString("store.path"),
		},
	})
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		Capacity: viper.GetInt("audit.capacity"),
	})
}

// isSensitiveFlag reports whether a flag or variable name may carry a secret
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// formatError turns a command error into a single line for the terminal.
// finguard errors are shown with their user message.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var fgErr *finguard.Error
	if errors.As(err, &fgErr) {
		msg := color.RedString("✗") + " " + finguard.UserMessage(err)
		if logger.IsLevelEnabled(logrus.DebugLevel) {
			msg += "\n" + color.CyanString("→") + " " + err.Error()
		}
		return msg
	}

	message := err.Error()
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return color.RedString("✗") + " " + message
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// audited wraps a RunE so each command's outcome lands in the audit log.
// Arguments are never recorded since they can carry values.
func audited(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := time.Now()
		err := run(cmd, args)
		if auditLogger != nil {
			details := map[string]interface{}{
				"command":     cmd.CommandPath(),
				"flags":       sanitizeFlags(cmd),
				"duration_ms": time.Since(started).Milliseconds(),
			}
			if err != nil {
				details["error"] = finguard.UserMessage(err)
			}
			if logErr := auditLogger.Log("command", audit.SubjectSession, err == nil, details); logErr != nil {
				logger.WithError(logErr).Warn("failed to audit command")
			}
		}
		return err
	}
}
