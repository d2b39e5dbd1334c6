// The main package for the bookcrawl executable.
package main

import (
	"github.com/maktaba/shamela-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
