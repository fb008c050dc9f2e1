package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teapotnet/teapotnet/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "teapot", Short: "Teapotnet node control"}
	rootCmd.PersistentFlags().String("config", "teapotnet.yaml", "configuration file")
	rootCmd.AddCommand(cli.NodeCmd)
	rootCmd.AddCommand(cli.StoreCmd)
	rootCmd.AddCommand(cli.PublishCmd)
	rootCmd.AddCommand(cli.SubscribeCmd)
	rootCmd.AddCommand(cli.FetchCmd)
	rootCmd.AddCommand(cli.TrackerCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
