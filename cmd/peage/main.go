package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "peage",
	Short: "Peage, a metered AI gateway",
	Long:  "Peage is a gateway that meters access to AI model providers, pricing every request from streamed usage and settling it against prepaid balances or x402 crypto micropayments.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults and PEAGE_* env vars apply without one)")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
