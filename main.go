package main

import (
	"os"

	"llamacore/cli"
)

func main() {
	os.Exit(cli.Execute())
}
