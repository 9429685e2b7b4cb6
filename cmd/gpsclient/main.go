package main

import (
	"fmt"
	"os"

	"nuha.dev/gpsclient/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gpsclient:", err)
		os.Exit(1)
	}
}
