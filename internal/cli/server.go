package cli

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maxsam4/polygon-dashboard-sub001/internal/cli/server"
)

// ServerCommand runs the indexer until interrupted.
type ServerCommand struct {
	Meta

	configPath string
}

// MarkDown implements cli.MarkDown interface
func (c *ServerCommand) MarkDown() string {
	items := []string{
		"# Server",
		"The ```server``` command runs the indexer: the tip follower, the backfillers, the gap pipeline and the status endpoint.",
		"## Options",
		"- ```config```: Path to the TOML configuration file (required)",
	}

	return strings.Join(items, "\n\n")
}

// Help implements the cli.Command interface
func (c *ServerCommand) Help() string {
	return `Usage: polygon-dashboard server -config <path>

  Run the indexer with the given configuration:

    $ polygon-dashboard server -config config.toml`
}

// Synopsis implements the cli.Command interface
func (c *ServerCommand) Synopsis() string {
	return "Run the indexer"
}

// Run implements the cli.Command interface
func (c *ServerCommand) Run(args []string) int {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.Usage = func() { c.UI.Output(c.Help()) }
	flags.StringVar(&c.configPath, "config", "", "path to the TOML configuration file")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if c.configPath == "" {
		c.UI.Error("the -config flag is required")
		return 1
	}

	config, err := server.LoadConfig(c.configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	srv, err := server.NewServer(config)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	return c.handleSignals(srv)
}

func (c *ServerCommand) handleSignals(srv *server.Server) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-signalCh

	c.UI.Output(fmt.Sprintf("Caught signal: %v", sig))
	c.UI.Output("Gracefully shutting down indexer...")

	gracefulCh := make(chan struct{})
	go func() {
		srv.Stop()
		close(gracefulCh)
	}()

	for i := 10; i > 0; i-- {
		select {
		case <-signalCh:
			c.UI.Output(fmt.Sprintf("Caught %d signals. Signal %d more to force shutdown", 11-i, i))
		case <-gracefulCh:
			return 0
		}
	}

	return 1
}
