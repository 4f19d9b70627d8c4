// Package cmd is the calypso command line: it drives secure sessions against a PO through PC/SC
// readers, or against the software PO and SAM of the sim package.
package cmd

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd is the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "calypso",
	Short: "Calypso secure session terminal",
	Long: `calypso drives Calypso portable objects from a PC/SC terminal.

A secure session is opened with the help of a SAM, the prepared commands are sent to the PO,
and the session is closed once both signatures have been checked. With --simulate, a software
PO and SAM stand in for the readers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		return setupLogging(viper.GetString("log-level"))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(readersCmd)
	RootCmd.AddCommand(describeCmd)
	RootCmd.AddCommand(sessionCmd)

	flags := RootCmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("simulate", false, "use the software PO and SAM instead of PC/SC readers")
	flags.String("po-reader", "", "PC/SC reader holding the PO (default: first reader)")
	flags.String("sam-reader", "", "PC/SC reader holding the SAM (default: second reader)")
	flags.String("aid", "315449432E494341", "AID of the Calypso application, in hex")
	flags.Bool("contactless", false, "the PO is reached through a contactless interface")
}

// initConfig loads .env files and environment variables prefixed with CALYPSO_.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("calypso")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the command tree. It is called by main.main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
