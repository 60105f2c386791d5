// Command rstar loads, queries and maintains an on-disk R*-tree point index.
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
