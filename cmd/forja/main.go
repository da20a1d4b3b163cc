// Command forja runs dependency-ordered waves of teammate processes
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/forja/forja/pkg/cli"
)

var version = "dev"

func main() {
	err := cli.ExecuteWithVersion(context.Background(), version)
	if err != nil {
		var exit *cli.ExitError
		if !errors.As(err, &exit) || exit.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(cli.ExitCode(err))
}
