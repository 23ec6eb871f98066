package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage lockbox configuration",
	Long:  `Manage lockbox configuration including viewing, setting, and validating settings.`,
}

// configShowCmd shows the effective configuration
var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"view"},
	Short:   "Show the effective configuration",
	Long:    `Display the configuration merged from defaults, the config file, LOCKBOX_* environment variables and flags.`,
	RunE:    runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., store.quota_bytes).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file with default values",
	RunE:  runConfigInit,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var (
	configForce  bool
	configGlobal bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd, configInitCmd, configListCmd, configValidateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set the value even if the key is unknown")
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "write the global configuration")
	configUnsetCmd.Flags().BoolVar(&configGlobal, "global", false, "write the global configuration")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "write the global configuration")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)
	out := cmd.OutOrStdout()

	switch configFormat {
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		_, err = out.Write(data)
		return err
	case "json":
		return printJSON(out, settings)
	case "table":
		var keys []string
		flattenKeys(settings, "", &keys)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE")
		for _, key := range keys {
			value := viper.Get(key)
			if isSensitiveConfigKey(key) {
				value = "[REDACTED]"
			}
			fmt.Fprintf(w, "%s\t%v\n", key, value)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], convertStringValue(args[1])
	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	path := getConfigFilePath(configGlobal)
	return updateConfigFile(path, func(config map[string]interface{}) error {
		setNestedKey(config, key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v in %s\n", key, value, path)
		return nil
	})
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	return updateConfigFile(path, func(config map[string]interface{}) error {
		if err := unsetNestedKey(config, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[0], path)
		return nil
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	defaults := lockbox.DefaultOptions()
	config := map[string]interface{}{
		"store": map[string]interface{}{
			"data_dir":        viper.GetString("store.data_dir"),
			"name":            defaults.StoreName,
			"quota_bytes":     defaults.QuotaBytes,
			"hardened":        defaults.Hardened,
			"enclave_service": defaults.EnclaveService,
			"memory_lock":     defaults.EnableMemoryLock,
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    string(audit.FileAuditType),
			"options": map[string]interface{}{"file_path": "audit.log"},
		},
		"log": map[string]interface{}{"level": "info"},
	}
	if err := writeConfigFile(path, config); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	descriptions := getConfigKeyDescriptions()
	keys := make([]string, 0, len(descriptions))
	for k := range descriptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, descriptions[k])
	}
	return w.Flush()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

// validateConfiguration checks what Open would reject, plus the audit and
// transport settings it does not see
func validateConfiguration() []string {
	var problems []string

	options := buildOptions()
	if err := options.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		switch audit.ConfigType(viper.GetString("audit.type")) {
		case audit.FileAuditType, audit.SyslogAuditType, audit.SQLiteAuditType:
		default:
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog, sqlite)", viper.GetString("audit.type")))
		}
	}
	if viper.GetDuration("nats.timeout") <= 0 {
		problems = append(problems, "nats.timeout must be positive")
	}
	return problems
}

func updateConfigFile(path string, fn func(config map[string]interface{}) error) error {
	config := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err = yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if config == nil {
			config = map[string]interface{}{}
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err = fn(config); err != nil {
		return err
	}
	return writeConfigFile(path, config)
}

func writeConfigFile(path string, config map[string]interface{}) error {
	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
