package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/store"
	"github.com/spf13/cobra"
)

func signingKeyFlag(cmd *cobra.Command) ([]byte, error) {
	encoded, _ := cmd.Flags().GetString("signing-key")
	if encoded == "" {
		encoded = os.Getenv("STORE_SIGNING_KEY")
	}
	if encoded == "" {
		return nil, fmt.Errorf("--signing-key or STORE_SIGNING_KEY is required")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return key, nil
}

func historyCmd() *cobra.Command {
	var (
		storeURL       string
		conversationId string
		limit          int
		before         string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored messages of a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			key, err := signingKeyFlag(cmd)
			if err != nil {
				return err
			}

			var beforeTime time.Time
			if before != "" {
				if beforeTime, err = time.Parse(time.RFC3339, before); err != nil {
					return fmt.Errorf("--before: %w", err)
				}
			}

			s := store.NewHTTPStore(storeURL, key, 10*time.Second, log.New(cmd.ErrOrStderr(), "[chatctl] ", log.LstdFlags))
			messages, err := s.ListMessages(cmd.Context(), identity, conversationId, beforeTime, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, m := range messages {
				fmt.Fprintf(out, "%s  %-12s %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Id, m.SenderName, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storeURL, "store", "http://localhost:3000", "message store base URL")
	cmd.Flags().StringVar(&conversationId, "conversation", "", "conversation id")
	cmd.Flags().IntVar(&limit, "limit", 0, "number of messages (store default when 0)")
	cmd.Flags().StringVar(&before, "before", "", "only messages created before this RFC 3339 time")
	cmd.Flags().String("signing-key", "", "base64 encoded store signing key")
	cmd.MarkFlagRequired("conversation")

	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for calling the message store directly",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			key, err := signingKeyFlag(cmd)
			if err != nil {
				return err
			}

			token, err := store.SignToken(key, identity, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().String("signing-key", "", "base64 encoded store signing key")

	return cmd
}
