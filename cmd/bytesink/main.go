package main

import (
	"os"

	"github.com/lawrencejones/bytesink/cmd/bytesink/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
