package main

import (
	"github.com/sidkik/sharedfs/cmd"
	"github.com/sidkik/sharedfs/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
