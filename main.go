package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/PolarWolf314/tresor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, cmd.ErrReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
