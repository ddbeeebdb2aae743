package main

// ============================================================================
// jobd entry point: build the CLI and run it. All logic lives in internal/cli.
//
//   go build -o bin/jobd ./cmd/jobd
//   ./bin/jobd run -c configs/jobd.yaml
//   go build -ldflags "-X main.version=1.0.0" ./cmd/jobd
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/candlepin-async/internal/cli"
)

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = version
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
