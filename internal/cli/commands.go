package cli

import (
	"os"

	"github.com/mitchellh/cli"
)

// Run starts the command line interface and returns the process exit code.
func Run(args []string) int {
	commands := Commands()

	mainCli := &cli.CLI{
		Name:     "polygon-dashboard",
		Args:     args,
		Commands: commands,
	}

	exitCode, err := mainCli.Run()
	if err != nil {
		os.Stderr.WriteString("Error executing CLI: " + err.Error() + "\n")
		return 1
	}

	return exitCode
}

// Commands returns the mapping of CLI commands
func Commands() map[string]cli.CommandFactory {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	meta := Meta{
		UI: ui,
	}

	return map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &ServerCommand{
				Meta: meta,
			}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				UI: ui,
			}, nil
		},
	}
}

// Meta holds the dependencies shared by every command.
type Meta struct {
	UI cli.Ui
}
