// The main package for the datasync executable.
package main

import (
	"github.com/ama66/datasync/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
