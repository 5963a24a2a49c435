// Package main implements genqueue, a service that runs generative-AI tasks
// asynchronously and emails users when their results are ready.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
