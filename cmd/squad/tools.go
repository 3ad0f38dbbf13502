package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/squad/internal/exec"
	"github.com/ShayCichocki/squad/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Show which command-line tools workers will be told about",
	Long: `Search PATH for preferred command-line utilities and show the one chosen
for each capability. Workers receive these as suggestions in their prompts.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg := tools.Discover(exec.NewRunner(exec.DefaultGracePeriod))
		out := cmd.OutOrStdout()
		found := reg.All()
		for _, c := range tools.Capabilities() {
			if name, ok := found[c]; ok {
				printStatus(out, "✓", fmt.Sprintf("%-13s %s", c, name), color.FgGreen)
				continue
			}
			printStatus(out, "✗", fmt.Sprintf("%-13s none of %v", c, tools.Preferences[c]), color.FgRed)
		}
	},
}
