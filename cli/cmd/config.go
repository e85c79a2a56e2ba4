package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage finguard configuration",
	Long:  `Manage finguard configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration from all sources (config file, environment variables, flags).`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., security.session_timeout).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	RunE:  runConfigEdit,
}

var (
	configForce    bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configGetCmd, configUnsetCmd,
		configInitCmd, configValidateCmd, configListCmd, configEditCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "force set value even if key is unknown")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, strict)")
	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if isSensitiveConfigKey(key) {
		return fmt.Errorf("refusing to write %s to a config file, use the %s environment variable", key, passphraseEnvVar)
	}
	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	converted := convertValue(value)
	if err := validateConfigValue(key, converted); err != nil {
		return err
	}
	viper.Set(key, converted)

	configFile := getConfigFilePath()
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("%s Set %s = %v\n", color.GreenString("✓"), key, converted)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
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
	fmt.Printf("%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath()

	content, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	config := map[string]interface{}{}
	if err = yaml.Unmarshal(content, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = unsetNestedKey(config, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}
	if err = writeConfigFile(configFile, config); err != nil {
		return err
	}

	fmt.Printf("%s Removed configuration key: %s\n", color.GreenString("✓"), key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if fileExists(configFile) && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := writeConfigFile(configFile, getConfigTemplate(configTemplate)); err != nil {
		return err
	}

	fmt.Printf("%s Configuration file created: %s\n", color.GreenString("✓"), configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	fmt.Printf("%s Set the passphrase with the %s environment variable\n", color.CyanString("→"), passphraseEnvVar)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Printf("%s Configuration is valid\n", color.GreenString("✓"))
		return nil
	}

	fmt.Printf("%s Configuration validation failed:\n", color.RedString("✗"))
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()

	switch configFormat {
	case "table":
		return printConfigKeysTable(keys)
	case "yaml":
		return printYAML(keys)
	case "json":
		return printJSON(keys)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if !fileExists(configFile) {
		if err := runConfigInit(cmd, nil); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	editor := getDefaultEditor()
	fmt.Printf("Opening %s with %s...\n", configFile, editor)
	return executeEditor(editor, configFile)
}
