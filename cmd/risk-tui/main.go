// Command risk-tui is a terminal dashboard for a running risk engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"boundary-risk/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		token       string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Risk engine server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "Risk engine server URL (shorthand)")
	flag.StringVar(&token, "token", os.Getenv("RISK_API_TOKEN"), "Operator bearer token (default $RISK_API_TOKEN)")
	flag.Parse()

	if showVersion {
		fmt.Printf("risk-tui %s\n", version)
		os.Exit(0)
	}

	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL, token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
