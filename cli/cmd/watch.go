//go:build !windows

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Hold a session open and report its status",
	Long: `Keep a session open, printing the security status at every interval.

Signals drive the session lifecycle: SIGTSTP suspends the session and runs
cleanup, SIGCONT resumes with a new session, SIGINT and SIGTERM close it.
Temporary entries are removed when watch exits.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "status refresh interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchInterval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(signals)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	fmt.Printf("%s Watching session %s (Ctrl+C to exit)\n", color.CyanString("→"), manager.SessionID())
	printStatusSummary(manager.Audit())

	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGTSTP:
				if err := manager.OnSuspend(); err != nil {
					return err
				}
				fmt.Printf("%s Session suspended, temporary data removed\n", color.YellowString("!"))
			case syscall.SIGCONT:
				if err := manager.OnResume(); err != nil {
					return err
				}
				fmt.Printf("%s Session resumed: %s\n", color.GreenString("✓"), manager.SessionID())
			default:
				fmt.Printf("%s Closing session\n", color.CyanString("→"))
				return nil
			}
		case <-ticker.C:
			fmt.Println()
			printStatusSummary(manager.Audit())
		}
	}
}
