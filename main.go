package main

import (
	"os"

	"github.com/droidback/droidback/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
