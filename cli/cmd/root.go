package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/client"
	"southwinds.dev/lockbox/notify"
	"southwinds.dev/lockbox/transport/natsbus"
)

// needsStore marks commands that read or write the store
const needsStore = "store"

var (
	cfgFile string

	gateway  *lockbox.Gateway
	remote   *natsbus.Client
	natsConn *nats.Conn
	cache    *client.Cache
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "An encrypted local key-value store with tamper detection",
	Long: `lockbox keeps application state in an encrypted, integrity-tagged store.

Values are JSON. Every entry carries a keyed tag so that edits made outside
lockbox are detected and ignored. A corrupted store is backed up and reset to
its defaults. With --nats-url the commands talk to a running "lockbox serve"
instead of opening the store themselves.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeStore,
	PersistentPostRunE: closeStore,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lockbox.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "directory holding the encrypted stores and their secrets")
	rootCmd.PersistentFlags().StringP("store", "s", "", "logical store name (local, sync, ...)")
	rootCmd.PersistentFlags().Int64("quota", 0, "store size limit in bytes")
	rootCmd.PersistentFlags().Bool("hardened", false, "refuse to keep secrets in plaintext files")
	rootCmd.PersistentFlags().Bool("no-enclave", false, "never use the OS keyring")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	bindFlagOrPanic("store.data_dir", "data-dir")
	bindFlagOrPanic("store.name", "store")
	bindFlagOrPanic("store.quota_bytes", "quota")
	bindFlagOrPanic("store.hardened", "hardened")
	bindFlagOrPanic("store.disable_enclave", "no-enclave")
	bindFlagOrPanic("log.level", "log-level")

	// Remote gateway
	rootCmd.PersistentFlags().String("nats-url", "", "reach a lockbox server over NATS instead of opening the store")
	rootCmd.PersistentFlags().String("nats-prefix", "", "subject prefix used by the lockbox server")
	bindFlagOrPanic("nats.url", "nats-url")
	bindFlagOrPanic("nats.prefix", "nats-prefix")

	// Audit
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog, sqlite)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	bindFlagSetOrPanic(rootCmd.PersistentFlags(), configKey, flagName)
}

func bindFlagSetOrPanic(flags *pflag.FlagSet, configKey, flagName string) {
	if err := viper.BindPFlag(configKey, flags.Lookup(flagName)); err != nil {
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
		viper.AddConfigPath("/etc/lockbox")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".lockbox")
	}

	viper.SetEnvPrefix("LOCKBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}

	setupLogging(viper.GetString("log.level"))
	if viper.ConfigFileUsed() != "" {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}
}

func setDefaults() {
	defaults := lockbox.DefaultOptions()

	viper.SetDefault("store.data_dir", defaultDataDir())
	viper.SetDefault("store.name", defaults.StoreName)
	viper.SetDefault("store.quota_bytes", defaults.QuotaBytes)
	viper.SetDefault("store.quota_notice_interval", defaults.QuotaNoticeInterval)
	viper.SetDefault("store.hardened", defaults.Hardened)
	viper.SetDefault("store.enclave_service", defaults.EnclaveService)
	viper.SetDefault("store.disable_enclave", defaults.DisableEnclave)
	viper.SetDefault("store.memory_lock", defaults.EnableMemoryLock)

	viper.SetDefault("nats.prefix", natsbus.DefaultPrefix)
	viper.SetDefault("nats.heartbeat", natsbus.DefaultHeartbeat)
	viper.SetDefault("nats.timeout", natsbus.DefaultRequestTimeout)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	// relative audit paths live in the data directory
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("audit.options.path", "audit.db")

	viper.SetDefault("log.level", "info")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".lockbox"
	}
	return filepath.Join(dir, "lockbox")
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// buildOptions maps the effective configuration onto gateway options
func buildOptions() lockbox.Options {
	options := lockbox.DefaultOptions()
	options.DataDir = viper.GetString("store.data_dir")
	options.StoreName = viper.GetString("store.name")
	options.QuotaBytes = viper.GetInt64("store.quota_bytes")
	options.QuotaNoticeInterval = viper.GetDuration("store.quota_notice_interval")
	options.Hardened = viper.GetBool("store.hardened")
	options.EnclaveService = viper.GetString("store.enclave_service")
	options.DisableEnclave = viper.GetBool("store.disable_enclave")
	options.EnableMemoryLock = viper.GetBool("store.memory_lock")
	options.Audit = auditConfig()
	options.Notifier = notify.NewConsole(os.Stderr)
	return options
}

func auditConfig() *audit.Config {
	return &audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		TenantID: viper.GetString("store.name"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   dataPath(viper.GetString("audit.options.file_path")),
			"path":        dataPath(viper.GetString("audit.options.path")),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
			"source":      "lockbox-cli",
		},
	}
}

// dataPath resolves a relative path against the data directory
func dataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(viper.GetString("store.data_dir"), path)
}

// initializeStore opens the backend for commands that need one: the store
// itself, or a remote server when a NATS URL is configured. Either way reads
// and writes go through a client cache.
func initializeStore(cmd *cobra.Command, args []string) error {
	if _, ok := cmd.Annotations[needsStore]; !ok {
		return nil
	}

	var backend lockbox.Backend
	if url := viper.GetString("nats.url"); url != "" {
		conn, err := nats.Connect(url, nats.Name("lockbox-cli"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		natsConn = conn
		remote, err = natsbus.NewClient(natsbus.ClientConfig{
			Conn:    conn,
			Store:   viper.GetString("store.name"),
			Prefix:  viper.GetString("nats.prefix"),
			Timeout: viper.GetDuration("nats.timeout"),
		})
		if err != nil {
			return err
		}
		backend = remote
	} else {
		var err error
		gateway, err = lockbox.Open(buildOptions())
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		backend = gateway
	}

	var err error
	cache, err = client.New(client.Config{Backend: backend})
	return err
}

func closeStore(cmd *cobra.Command, args []string) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cache != nil {
		keep(cache.Close())
		cache = nil
	}
	if remote != nil {
		keep(remote.Close())
		remote = nil
	}
	if natsConn != nil {
		natsConn.Close()
		natsConn = nil
	}
	if gateway != nil {
		keep(gateway.Close())
		gateway = nil
	}
	return firstErr
}
