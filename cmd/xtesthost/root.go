package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "xtesthost",
	Short: "Serve test discovery and runs to an IDE client",
	Long: `xtesthost dials a listening test client, answers the initialize
handshake and serves discoverTests/runTests requests by replaying a
YAML test manifest. Results flow through the test bus, so they can be
mirrored to Redis Streams and exported as Prometheus metrics.`,
	// Errors from serve are ours to report; usage would only add noise.
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// execute runs the root command. It is called once by main.
func execute() error {
	rootCmd.SetVersionTemplate(`{{printf "xtesthost version %s\n" .Version}}`)
	return rootCmd.Execute()
}

func setVersionInfo(v, c string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", v, c)
}

func init() {
	rootCmd.AddCommand(newServeCmd(&serveOptions{}))
	rootCmd.AddCommand(newVersionCmd())
}
