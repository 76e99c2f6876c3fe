// Package main provides the FollowAlong capture client.
//
// Usage:
//
//	followalong [flags] <command>
//
// Commands:
//
//	record   - Capture a session and follow the live transcript
//	sessions - Inspect journaled sessions
//	version  - Print the client version
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/followalong/cmd/followalong/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
