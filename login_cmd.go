package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/onboard-sync/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var (
		token     string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a bearer token for the onboarding API",
		Long: `Save a bearer token issued by the onboarding service. Use --token - to read it
from standard input. --owner is stored with the token and keys durable
session lookup unless server.owner_id or --owner says otherwise later.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if token == "-" {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading token from stdin: %w", err)
				}

				token = line
			}

			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}

			tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
			if expiresIn > 0 {
				tok.Expiry = time.Now().Add(expiresIn)
			}

			if err := tokenfile.Save(cc.Cfg.TokenFile, &tokenfile.Credential{
				Token:   tok,
				OwnerID: cc.Flags.Owner,
				BaseURL: cc.Cfg.BaseURL,
			}); err != nil {
				return err
			}

			cc.Logger.Info("credential saved", slog.String("path", cc.Cfg.TokenFile))
			cc.Statusf("Login saved to %s.\n", cc.Cfg.TokenFile)

			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", `bearer token, or "-" to read from stdin`)
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime; zero means no expiry")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the saved token",
		Long: `End the current onboarding session and remove the saved token. Unsent saves
stay in the durable queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Cfg.BaseURL != "" {
				err := withEngine(cmd, func(ctx context.Context, _ *CLIContext, h *engineHandle) error {
					return h.ClearSession(ctx)
				})
				if err != nil {
					return err
				}
			}

			if err := tokenfile.Delete(cc.Cfg.TokenFile); err != nil {
				return err
			}

			cc.Statusf("Logged out.\n")

			return nil
		},
	}
}
