package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "askcache",
	Short:         "Semantic answer cache for embedded questions",
	Long:          "askcache serves similarity-keyed answer lookups over HTTP and MCP,\nbacked by a remote Turso database or a local SQLite file.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the askcache version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("askcache version %s\n", version)
	},
}

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
