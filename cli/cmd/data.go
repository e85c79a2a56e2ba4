package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	dataValue  string
	dataFile   string
	dataOutput string
)

var setCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Encrypt and store a value",
	Long: `Encrypt a value under the given key.

The value is read from --data, --file or standard input, in that order. Input
that parses as JSON is stored as JSON, anything else is stored as a string.`,
	Example: `  finguard set salary --data 52000
  finguard set accounts --file accounts.json
  echo '{"iban":"GB00TEST"}' | finguard set account`,
	Args: cobra.ExactArgs(1),
	RunE: audited(runSet),
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Decrypt and print a value",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runGet),
}

var removeCmd = &cobra.Command{
	Use:     "rm <key>",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove a protected value",
	Args:    cobra.ExactArgs(1),
	RunE:    audited(runRemove),
}

var listCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List protected keys",
	Args:    cobra.NoArgs,
	RunE:    audited(runList),
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <key>...",
	Short: "Move plain entries into protected storage",
	Long: `Re-store entries that were written in plain text as protected records.

Each key's raw value is parsed as JSON when possible, encrypted under the key
and the plain entry is removed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: audited(runMigrate),
}

var tempCmd = &cobra.Command{
	Use:   "temp",
	Short: "Manage temporary entries removed on cleanup",
}

var tempSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a temporary value",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runTempSet),
}

var tempGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a temporary value",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runTempGet),
}

func init() {
	rootCmd.AddCommand(setCmd, getCmd, removeCmd, listCmd, migrateCmd, tempCmd)
	tempCmd.AddCommand(tempSetCmd, tempGetCmd)

	for _, c := range []*cobra.Command{setCmd, tempSetCmd} {
		c.Flags().StringVarP(&dataValue, "data", "d", "", "value to store")
		c.Flags().StringVarP(&dataFile, "file", "f", "", "file to read the value from")
		c.MarkFlagsMutuallyExclusive("data", "file")
	}
	for _, c := range []*cobra.Command{getCmd, tempGetCmd, listCmd} {
		c.Flags().StringVarP(&dataOutput, "output", "o", "text", "output format (text, json, yaml)")
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	value, err := readValue(cmd)
	if err != nil {
		return err
	}
	if err = manager.Set(args[0], value); err != nil {
		return err
	}
	fmt.Printf("%s Stored %s\n", color.GreenString("✓"), args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	value, ok := manager.Get(args[0])
	if !ok {
		return fmt.Errorf("no readable value for key %q", args[0])
	}
	return printValue(value)
}

func runRemove(cmd *cobra.Command, args []string) error {
	if err := manager.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Removed %s\n", color.GreenString("✓"), args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	keys := manager.ListKeys()
	switch dataOutput {
	case "json":
		return printJSON(keys)
	case "yaml":
		return printYAML(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No protected keys.")
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var failed int
	for _, key := range args {
		if err := manager.Migrate(key); err != nil {
			failed++
			fmt.Printf("%s %s: %s\n", color.RedString("✗"), key, formatPlain(err))
			continue
		}
		fmt.Printf("%s Migrated %s\n", color.GreenString("✓"), key)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d keys could not be migrated", failed, len(args))
	}
	return nil
}

func runTempSet(cmd *cobra.Command, args []string) error {
	value, err := readValue(cmd)
	if err != nil {
		return err
	}
	if err = manager.SetTemporary(args[0], value); err != nil {
		return err
	}
	fmt.Printf("%s Stored temporary %s\n", color.GreenString("✓"), args[0])
	return nil
}

func runTempGet(cmd *cobra.Command, args []string) error {
	value, ok := manager.GetTemporary(args[0])
	if !ok {
		return fmt.Errorf("no temporary value for key %q", args[0])
	}
	return printValue(value)
}

// readValue resolves the value from --data, --file or stdin
func readValue(cmd *cobra.Command) (any, error) {
	var raw []byte
	switch {
	case cmd.Flags().Changed("data"):
		raw = []byte(dataValue)
	case dataFile != "":
		content, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		raw = content
	default:
		stat, err := os.Stdin.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("no value given: use --data, --file or pipe it on stdin")
		}
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = content
	}
	return parseValue(raw), nil
}

// parseValue keeps JSON input structured and falls back to a string
func parseValue(raw []byte) any {
	trimmed := strings.TrimSpace(string(raw))
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value
	}
	return trimmed
}

func printValue(value any) error {
	switch dataOutput {
	case "json":
		return printJSON(value)
	case "yaml":
		return printYAML(value)
	}
	if s, ok := value.(string); ok {
		fmt.Println(s)
		return nil
	}
	return printJSON(value)
}
