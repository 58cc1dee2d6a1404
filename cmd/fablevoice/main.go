// Command fablevoice serves the voice-clone and narration API and provides
// maintenance subcommands for its stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "fablevoice:", err)
		}
		os.Exit(1)
	}
}
