package main

import (
	"os"

	"github.com/conneroisu/hyro/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
