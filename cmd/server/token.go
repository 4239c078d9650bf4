package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/config"
)

const defaultTokenTTL = 7 * 24 * time.Hour

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !auth.ValidUserID(userID) {
				return errors.New("--user must be 1-128 letters, digits, dots or dashes")
			}
			cfg, err := config.Load(opts.v, opts.configPath)
			if err != nil {
				return err
			}

			issuer, err := auth.NewIssuer([]byte(cfg.JWTSecret), clock.Real())
			if err != nil {
				return err
			}
			token, err := issuer.Issue(auth.Identity{UserID: userID, DisplayName: name}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")

	return cmd
}
