// The main package for the arachne executable.
package main

import (
	"github.com/arachne-project/arachne/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
