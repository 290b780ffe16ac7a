package main

import (
	"os"

	"github.com/maxsam4/polygon-dashboard-sub001/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
