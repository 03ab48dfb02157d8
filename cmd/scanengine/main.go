// Oryx Scan Engine — containerized security-tool execution service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scanengine",
	Short: "Oryx Scan Engine — runs security tools in isolated containers.",
	Long: `The Oryx Scan Engine executes security scanning tools (nmap, nikto,
sqlmap, gobuster) inside isolated, resource-limited containers, streams their
output in real time, and records every scan to durable storage.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, scanCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
