package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xilidan/minutes/gateways/cli/client"
	"github.com/xilidan/minutes/gateways/cli/credentials"
)

func NewLoginCmd(deps *Dependencies) *cobra.Command {
	var apiKey string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the API key for a token and store it",
		Long: `Exchange the service API key for a bearer token. The token is kept in the
system keyring, one entry per server.

Examples:
  minutesctl login
  MINUTES_API_KEY=... minutesctl login
  minutesctl login --api-key ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("MINUTES_API_KEY")
			}
			if apiKey == "" {
				var err error
				if apiKey, err = deps.readAPIKey(); err != nil {
					return err
				}
			}
			if apiKey == "" {
				return errors.New("api key is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), deps.Config.Timeout)
			defer cancel()

			token, err := client.New(deps.Config.Server, "", deps.HTTPClient, deps.Log).Token(ctx, apiKey)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			if err := deps.Credentials.Save(deps.Config.Server, &credentials.Credentials{
				Token:     token.Token,
				ExpiresAt: token.ExpiresAt,
			}); err != nil {
				return err
			}

			fmt.Fprintf(deps.Out, "Logged in to %s (token expires %s)\n", deps.Config.Server, formatTime(&token.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (prompted for when omitted)")
	return cmd
}

// readAPIKey prompts without echo on a terminal and reads a line otherwise.
func (d *Dependencies) readAPIKey() (string, error) {
	if d.In == os.Stdin && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(d.Out, "API key: ")
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(d.Out)
		if err != nil {
			return "", fmt.Errorf("failed to read api key: %w", err)
		}
		return strings.TrimSpace(string(key)), nil
	}

	line, err := bufio.NewReader(d.In).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func NewLogoutCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token for the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.Credentials.Delete(deps.Config.Server); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Logged out of %s\n", deps.Config.Server)
			return nil
		},
	}
}
