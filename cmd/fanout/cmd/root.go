package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fanout",
	Short: "real-time subscription fan-out engine",
	Long: `Fanout indexes subscriber filters, routes market-pattern events
through a rule table, and broadcasts them to websocket subscribers.
Use the serve subcommand to run the engine, and the token subcommand
to mint access tokens.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
