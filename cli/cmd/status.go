package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/finguard"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage and session status",
	Long:  "Display the session, memory protection, backup and audit state of local secure storage.",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format (text, json, yaml)")
}

func showStatus(cmd *cobra.Command, args []string) error {
	status := manager.GetStatus()

	switch statusOutput {
	case "json":
		return printJSON(status)
	case "yaml":
		return printYAML(status)
	}

	fmt.Println("Finguard Status")
	fmt.Println("===============")
	printStatusSummary(status)
	fmt.Printf("Protected Keys: %d\n", len(manager.ListKeys()))
	fmt.Printf("Store: %s (%s)\n", viper.GetString("store.path"), viper.GetString("store.type"))
	fmt.Printf("Backup Directory: %s\n", viper.GetString("backup.dir"))
	return nil
}

func printStatusSummary(status finguard.DataSecurityStatus) {
	session := color.GreenString(string(status.SessionState))
	if !status.SessionActive {
		session = color.YellowString(string(status.SessionState))
	}
	fmt.Printf("Session: %s (%s)\n", status.SessionID, session)
	fmt.Printf("Memory Protection: %s\n", status.MemoryProtection)

	if status.EncryptionEnabled {
		fmt.Printf("Encryption: %s\n", color.GreenString("enabled"))
	} else {
		fmt.Printf("Encryption: %s\n", color.RedString("disabled"))
	}

	if status.LastBackup != nil {
		fmt.Printf("Last Backup: %s\n", status.LastBackup.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last Backup: %s\n", color.YellowString("never"))
	}

	if status.Secure {
		fmt.Printf("Security: %s\n", color.GreenString("✓ secure"))
	} else {
		fmt.Printf("Security: %s\n", color.RedString("✗ %d vulnerabilities", len(status.Vulnerabilities)))
	}
}
