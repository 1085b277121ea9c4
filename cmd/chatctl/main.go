package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client for the chat relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.PersistentFlags().String("user-id", "", "user id to act as")
	cmd.PersistentFlags().String("name", "", "display name (defaults to the user id)")
	cmd.PersistentFlags().String("image", "", "avatar URL")

	cmd.AddCommand(chatCmd(), historyCmd(), tokenCmd())
	return cmd
}
