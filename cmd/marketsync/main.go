package main

import (
	"fmt"
	"os"

	"marketsync/cmd/internal/app"
)

func main() {
	if err := app.Main(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "marketsync:", err)
		os.Exit(1)
	}
}
