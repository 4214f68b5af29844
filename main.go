package main

import (
	"os"

	"github.com/kebairia/safedeploy/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
