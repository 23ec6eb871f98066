package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

func storeName() string {
	return viper.GetString("store.name")
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/lockbox/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lockbox.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.data_dir":              "Directory holding the encrypted stores and their secrets",
		"store.name":                  "Logical store name",
		"store.quota_bytes":           "Store size limit in bytes",
		"store.quota_notice_interval": "Minimum time between two quota warnings",
		"store.hardened":              "Refuse to keep secrets in plaintext files",
		"store.enclave_service":       "OS keyring service protecting the secrets",
		"store.disable_enclave":       "Never use the OS keyring",
		"store.memory_lock":           "Keep process memory out of swap",
		"nats.url":                    "NATS server of a remote lockbox",
		"nats.prefix":                 "Subject prefix of the lockbox server",
		"nats.heartbeat":              "Interval between two ready announcements (serve)",
		"nats.timeout":                "Request timeout towards the lockbox server",
		"audit.enabled":               "Enable audit logging",
		"audit.type":                  "Audit logger type (file, syslog, sqlite)",
		"audit.options.file_path":     "Audit log file path (file)",
		"audit.options.path":          "Audit database path (sqlite)",
		"audit.options.max_size":      "Audit log size in MB before rotation (file)",
		"audit.options.max_backups":   "Rotated audit logs kept (file)",
		"log.level":                   "Log level (debug, info, warn, error)",
	}
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func convertStringValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	return value
}

func setNestedKey(config map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")
	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func flattenKeys(settings map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range settings {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, full, keys)
			continue
		}
		*keys = append(*keys, full)
	}
	sort.Strings(*keys)
}

func isSensitiveConfigKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "credentials"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for k, v := range config {
		if nested, ok := v.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
			continue
		}
		if isSensitiveConfigKey(k) {
			config[k] = "[REDACTED]"
		}
	}
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
}
