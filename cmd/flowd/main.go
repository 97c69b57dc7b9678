// Command flowd is the control-plane CLI for the dataflow engine: it
// compiles class descriptors to Event Flow Graphs offline, and runs the
// infrastructure (state store, message bus, tracing, metrics) a Stateful
// Operator needs online, with a root command plus subcommands layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowd",
		Short: "flowd - Event Flow Graph compiler and stateful operator runtime",
		Long:  "flowd compiles class descriptors into Event Flow Graphs and runs the operator infrastructure that interprets them.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		compileCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flowd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("flowd dev")
			return nil
		},
	}
}
