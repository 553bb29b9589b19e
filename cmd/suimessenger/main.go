package main

import (
	"os"

	"suimessenger/cmd/suimessenger/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
