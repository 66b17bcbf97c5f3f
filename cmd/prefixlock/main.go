package main

import (
	"os"

	"prefixlock/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
