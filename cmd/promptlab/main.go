// Command promptlab runs the prompt evaluation engine.
//
// Usage:
//
//	# Apply the database schema
//	promptlab migrate --config promptlab.yaml
//
//	# Run the stage workers
//	promptlab worker --config promptlab.yaml
//
//	# Serve the API, optionally with in-process workers
//	promptlab serve --config promptlab.yaml --with-worker
//
//	# Start an iteration on the latest prompt version
//	promptlab start-iteration exp-1 --generate-cases 20
//
//	# Approve a pending suggestion
//	promptlab review 3f1c... approve
package main

import (
	_ "go.uber.org/automaxprocs"
)

func main() {
	Execute()
}
