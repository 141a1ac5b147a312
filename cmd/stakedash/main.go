package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/cmd/stakedash/commands"
)

var rootCmd = &cobra.Command{
	Use:   "stakedash",
	Short: "NFT staking dashboard",
	Long: `Stake tier NFTs into the staking pool, watch live rewards, claim and unstake.

Serves the dashboard over HTTP and WebSocket, or drives it from the terminal.`,
	SilenceUsage: true,
}

func init() {
	commands.AddGlobalFlags(rootCmd)
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewStakeCmd())
	rootCmd.AddCommand(commands.NewUnstakeCmd())
	rootCmd.AddCommand(commands.NewClaimCmd())
	rootCmd.AddCommand(commands.NewReferralCmd())
	rootCmd.AddCommand(commands.NewTiersCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
