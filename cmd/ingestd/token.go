package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/auth"
)

var (
	tokenRole  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Mint an access token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := auth.NewService(cfg.JWTSecret).GenerateAccessToken(args[0], tokenEmail, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleArtist, "role claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
