// Command ingestctl is the operator CLI for an ingestq deployment: queue
// stats, task inspection, dead letter reprocessing and maintenance.
package main

import (
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
