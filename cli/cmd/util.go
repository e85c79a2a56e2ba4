package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/finguard"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/persist"
)

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".finguard.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func writeConfigFile(configFile string, config map[string]interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
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

	last := parts[len(parts)-1]
	if _, ok := current[last]; !ok {
		return fmt.Errorf("key not set: %s", key)
	}
	delete(current, last)
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	store := map[string]interface{}{
		"type":      string(persist.StoreTypeBolt),
		"path":      ".finguard",
		"namespace": "default",
	}

	switch template {
	case "minimal":
		return map[string]interface{}{"store": store}
	case "strict":
		return map[string]interface{}{
			"store": store,
			"security": map[string]interface{}{
				"encryption_enabled":   true,
				"auto_cleanup_on_exit": true,
				"session_timeout":      "10m",
				"backup_retention":     "168h",
				"memory_lock":          true,
				"cipher":               string(finguard.CipherChaCha20Poly1305),
			},
			"audit": map[string]interface{}{
				"enabled":  true,
				"type":     string(audit.FileAuditType),
				"interval": "1m",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	default:
		return map[string]interface{}{
			"store": store,
			"security": map[string]interface{}{
				"encryption_enabled": true,
				"session_timeout":    finguard.DefaultSessionTimeout.String(),
				"backup_retention":   finguard.DefaultBackupRetention.String(),
			},
			"audit": map[string]interface{}{
				"enabled": true,
				"type":    string(audit.FileAuditType),
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

// validateConfiguration checks every setting without opening the store
func validateConfiguration() []string {
	var problems []string

	for key := range getConfigKeyDescriptions() {
		if !viper.IsSet(key) {
			continue
		}
		if err := validateConfigValue(key, viper.Get(key)); err != nil {
			problems = append(problems, err.Error())
		}
	}

	storeType := viper.GetString("store.type")
	if storeType != string(persist.StoreTypeMemory) && viper.GetString("store.path") == "" {
		problems = append(problems, fmt.Sprintf("store.path is required when using the %s store", storeType))
	}
	if viper.GetBool("audit.enabled") && viper.GetString("audit.type") == string(audit.FileAuditType) &&
		viper.GetString("audit.options.file_path") == "" {
		problems = append(problems, "audit file path is required when using file audit")
	}
	if !viper.GetBool("security.encryption_enabled") {
		problems = append(problems, "security.encryption_enabled is false: values cannot be stored")
	}

	sort.Strings(problems)
	return problems
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.type":                    "Storage backend type (bolt, filesystem, memory)",
		"store.path":                    "Directory holding local storage",
		"store.namespace":               "Namespace inside the storage directory",
		"backup.dir":                    "Directory for backup bundles (default <store.path>/backups)",
		"security.encryption_enabled":   "Encrypt values before they are stored",
		"security.auto_cleanup_on_exit": "Remove temporary entries when the process exits",
		"security.session_timeout":      "Session lifetime (e.g. 30m)",
		"security.backup_retention":     "How long backup bundles are kept (0 keeps them)",
		"security.memory_lock":          "Lock process memory to avoid swapping",
		"security.cipher":               "Cipher for new records (aes-256-gcm, chacha20-poly1305)",
		"security.kdf_iterations":       "PBKDF2 iterations per record (0 selects 100000)",
		"audit.enabled":                 "Enable audit logging",
		"audit.type":                    "Audit logger type (file, memory)",
		"audit.interval":                "Interval between periodic security audits",
		"audit.capacity":                "Number of audit events kept",
		"audit.options.file_path":       "Audit log file path",
		"log.level":                     "Operational log level (debug, info, warn, error)",
	}
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	str := fmt.Sprint(value)
	switch key {
	case "store.type":
		valid := []string{string(persist.StoreTypeBolt), string(persist.StoreTypeFileSystem), string(persist.StoreTypeMemory)}
		if !contains(valid, str) {
			return fmt.Errorf("invalid store type: %s (valid: %s)", str, strings.Join(valid, ", "))
		}
	case "audit.type":
		valid := []string{string(audit.FileAuditType), string(audit.MemoryAuditType)}
		if !contains(valid, str) {
			return fmt.Errorf("invalid audit type: %s (valid: %s)", str, strings.Join(valid, ", "))
		}
	case "security.cipher":
		valid := []string{string(finguard.CipherAES256GCM), string(finguard.CipherChaCha20Poly1305)}
		if !contains(valid, str) {
			return fmt.Errorf("invalid cipher: %s (valid: %s)", str, strings.Join(valid, ", "))
		}
	case "security.session_timeout", "security.backup_retention", "audit.interval":
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %s", key, str)
		}
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", key)
		}
	case "security.kdf_iterations", "audit.capacity":
		n, err := strconv.Atoi(str)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
	case "log.level":
		valid := []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
		if !contains(valid, strings.ToLower(str)) {
			return fmt.Errorf("invalid log level: %s", str)
		}
	}
	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("FINGUARD_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(config)
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printYAML(config)
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "token"}
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	editors := []string{"nano", "vim", "vi"}
	fallback := "vi"
	if runtime.GOOS == "windows" {
		editors = []string{"notepad++.exe", "notepad.exe"}
		fallback = "notepad.exe"
	}
	for _, editor := range editors {
		if _, err := exec.LookPath(editor); err == nil {
			return editor
		}
	}
	return fallback
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	cmd := exec.Command(editor, file)
	if strings.Contains(editor, "code") {
		cmd = exec.Command(editor, "--wait", file)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

// formatPlain returns the user-facing text of err without decoration
func formatPlain(err error) string {
	var fgErr *finguard.Error
	if errors.As(err, &fgErr) {
		return finguard.UserMessage(err)
	}
	return err.Error()
}
