package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentpay",
	Short: "AgentPay: per-use billing for AI agents",
	Long:  "AgentPay is a prepaid ledger that lets AI agents charge their callers per invocation, holding funds on track and settling them on capture or release.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus AGENTPAY_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
