package main

import (
	"fmt"
	"os"

	internalcli "github.com/letrecovery/deployengine/internal/cli"
)

// version is stamped by the release build.
var version = "v0.0.0-dev"

func main() {
	app := internalcli.App(version)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
