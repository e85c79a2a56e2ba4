package main

import "southwinds.dev/finguard/cli/cmd"

func main() {
	cmd.Execute()
}
