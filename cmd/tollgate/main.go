package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate: spend and safety firewall for LLM completion APIs",
	Long:  "Tollgate sits between autonomous agents and an OpenAI-compatible completion API. It enforces per-agent allowances, model allowlists, a loop circuit breaker and velocity caps, forwards admitted requests with the owner's provider key and settles the actual cost.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus TOLLGATE_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
