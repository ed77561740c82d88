package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/querynest/querynest/cmd/scan"
	"github.com/querynest/querynest/cmd/serve"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "querynest",
		Short: "database metadata and semantics server",
		Long: fmt.Sprintf(`QueryNest (v%s)

A metadata server for MongoDB deployments: scans instances for databases,
collections, indexes and field structure, caches and persists the results,
and stores versioned business meanings for fields.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of QueryNest",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("QueryNest v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(scan.ScanCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
