package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(finguard completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  finguard completion bash > /etc/bash_completion.d/finguard
  # macOS:
  $ finguard completion bash >  $ (brew --prefix)/etc/bash_completion.d/finguard

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ finguard completion zsh > "${fpath[1]}/_finguard"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  finguard completion fish | source

  # To load completions for each session, execute once:
   $  finguard completion fish > ~/.config/fish/completions/finguard.fish

PowerShell:
  PS> finguard completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> finguard completion powershell > finguard.ps1
  PS> . finguard.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run:                   generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) {
	var err error
	switch args[0] {
	case "bash":
		err = cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		err = cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		err = cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate %s completion: %v\n", args[0], err)
		os.Exit(1)
	}
}
