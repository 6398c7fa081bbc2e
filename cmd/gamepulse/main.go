package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/gamepulse/internal/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
