package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/finguard"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export, import and restore local backups",
	Long: `Export financial data to checksummed local bundle files, and verify or
restore them. Bundles never leave this device: any reference to a remote
location is stripped on export and rejected on import.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create",
	Short: "Export a payload as a backup bundle",
	Long: `Export a JSON payload read from --data, --file or standard input.
Fields whose names point at network locations are removed before the bundle is written.`,
	Args: cobra.NoArgs,
	RunE: audited(createBackup),
}

var storeBackupCmd = &cobra.Command{
	Use:   "store",
	Short: "Export every protected record as an encrypted bundle",
	Args:  cobra.NoArgs,
	RunE:  audited(createStoreBackup),
}

var importBackupCmd = &cobra.Command{
	Use:   "import <bundle-file>",
	Short: "Verify a bundle and print its payload",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(importBackup),
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <bundle-file>",
	Short: "Restore protected records from a store bundle",
	Long: `Restore every record of an encrypted store bundle. Each record must decrypt
under the current passphrase before anything is written; existing keys are overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: audited(restoreBackup),
}

var listBackupsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List bundles in the backup directory",
	Args:    cobra.NoArgs,
	RunE:    audited(listBackups),
}

var (
	backupForce   bool
	backupTimeout time.Duration
	backupOutput  string
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(createBackupCmd, storeBackupCmd, importBackupCmd, restoreBackupCmd, listBackupsCmd)

	createBackupCmd.Flags().StringVarP(&dataValue, "data", "d", "", "JSON payload to export")
	createBackupCmd.Flags().StringVarP(&dataFile, "file", "f", "", "file holding the JSON payload")
	createBackupCmd.MarkFlagsMutuallyExclusive("data", "file")

	importBackupCmd.Flags().DurationVar(&backupTimeout, "timeout", time.Minute, "maximum time to wait for verification")
	importBackupCmd.Flags().StringVarP(&backupOutput, "output", "o", "json", "output format (json, yaml)")

	restoreBackupCmd.Flags().BoolVar(&backupForce, "force", false, "restore without confirmation")

	listBackupsCmd.Flags().StringVarP(&backupOutput, "output", "o", "table", "output format (table, json, yaml)")
}

func createBackup(cmd *cobra.Command, args []string) error {
	payload, err := readValue(cmd)
	if err != nil {
		return err
	}

	result, err := manager.CreateBackup(payload)
	if err != nil {
		return err
	}
	printBackupResult(result)
	return nil
}

func createStoreBackup(cmd *cobra.Command, args []string) error {
	result, err := manager.CreateStoreBackup()
	if err != nil {
		return err
	}
	printBackupResult(result)
	return nil
}

func printBackupResult(result *finguard.BackupResult) {
	fmt.Printf("%s Backup created: %s\n", color.GreenString("✓"), result.Path)
	fmt.Printf("  Type:     %s\n", result.DataType)
	fmt.Printf("  Checksum: %s\n", result.Checksum)
	for _, pruned := range result.Pruned {
		fmt.Printf("  %s pruned %s\n", color.CyanString("→"), pruned)
	}
	fmt.Println(color.YellowString("Keep this file on this device or on storage you control."))
}

func importBackup(cmd *cobra.Command, args []string) error {
	select {
	case outcome := <-manager.ImportBackupAsync(args[0]):
		if outcome.Err != nil {
			return outcome.Err
		}
		fmt.Fprintf(os.Stderr, "%s Bundle verified (%s, created %s)\n", color.GreenString("✓"),
			outcome.Result.DataType, outcome.Result.CreatedAt.Format(time.RFC3339))
		if backupOutput == "yaml" {
			return printYAML(outcome.Result.Data)
		}
		return printJSON(outcome.Result.Data)
	case <-time.After(backupTimeout):
		return fmt.Errorf("bundle verification did not finish within %s", backupTimeout)
	}
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	if !backupForce && !promptConfirmation(fmt.Sprintf("Restore %s and overwrite existing keys?", args[0])) {
		fmt.Println("Restore cancelled")
		return nil
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	restored, err := manager.RestoreBackup(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s Restored %d records\n", color.GreenString("✓"), restored)
	return nil
}

func listBackups(cmd *cobra.Command, args []string) error {
	backups, err := manager.ListBackups()
	if err != nil {
		return err
	}

	switch backupOutput {
	case "json":
		return printJSON(backups)
	case "yaml":
		return printYAML(backups)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "FILE\tTYPE\tSIZE\tCREATED\tVALID")
	fmt.Fprintln(w, "----\t----\t----\t-------\t-----")
	for _, b := range backups {
		valid := color.GreenString("✓")
		if !b.IsValid {
			valid = color.RedString("✗")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", b.Filename, b.DataType, b.Size,
			b.CreatedAt.Format("2006-01-02 15:04:05"), valid)
	}
	return nil
}
