package cli

import (
	"strings"

	"github.com/mitchellh/cli"
)

// Version is the indexer release version.
const Version = "0.1.0"

// VersionCommand is the command to show the version of the agent
type VersionCommand struct {
	UI cli.Ui
}

// MarkDown implements cli.MarkDown interface
func (c *VersionCommand) MarkDown() string {
	items := []string{
		"# Version",
		"The ```version``` command outputs the version of the binary.",
	}

	return strings.Join(items, "\n\n")
}

// Help implements the cli.Command interface
func (c *VersionCommand) Help() string {
	return `Usage: polygon-dashboard version

  Display the version`
}

// Synopsis implements the cli.Command interface
func (c *VersionCommand) Synopsis() string {
	return "Display the version"
}

// Run implements the cli.Command interface
func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(Version)
	return 0
}
