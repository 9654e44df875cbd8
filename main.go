package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/ltipoll/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
