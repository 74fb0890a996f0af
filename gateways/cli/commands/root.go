// Package commands implements the minutesctl command tree.
package commands

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	config "github.com/xilidan/minutes/config/cli"
	"github.com/xilidan/minutes/gateways/cli/client"
	"github.com/xilidan/minutes/gateways/cli/credentials"
)

type Dependencies struct {
	Config      *config.Config
	Credentials *credentials.Store
	HTTPClient  *http.Client
	Log         *slog.Logger
	Out         io.Writer
	// In is read for the API key when stdin is not a terminal.
	In io.Reader
	// DialOptions are added when connecting to the status service.
	DialOptions []grpc.DialOption
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "minutesctl",
		Short:         "Upload meeting recordings and read their minutes",
		Long:          "minutesctl talks to the minutes service: it uploads recordings, follows their processing and prints the resulting minutes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.Config.Validate()
		},
	}

	rootCmd.PersistentFlags().StringVar(&deps.Config.Server, "server", deps.Config.Server, "web gateway URL")
	rootCmd.PersistentFlags().StringVar(&deps.Config.GRPC, "grpc", deps.Config.GRPC, "status service address")
	rootCmd.PersistentFlags().StringVarP((*string)(&deps.Config.Output), "output", "o", string(deps.Config.Output), "output format: text, json or yaml")

	rootCmd.AddCommand(NewLoginCmd(deps))
	rootCmd.AddCommand(NewLogoutCmd(deps))
	rootCmd.AddCommand(NewUploadCmd(deps))
	rootCmd.AddCommand(NewScheduleCmd(deps))
	rootCmd.AddCommand(NewListCmd(deps))
	rootCmd.AddCommand(NewShowCmd(deps))
	rootCmd.AddCommand(NewStatusCmd(deps))
	rootCmd.AddCommand(NewRetryCmd(deps))
	rootCmd.AddCommand(NewCancelCmd(deps))
	rootCmd.AddCommand(NewArchiveCmd(deps))
	rootCmd.AddCommand(NewUnarchiveCmd(deps))
	rootCmd.AddCommand(NewWatchCmd(deps))

	return rootCmd
}

// client builds an API client with the stored token, if any.
func (d *Dependencies) client() (*client.Client, error) {
	var token string
	creds, err := d.Credentials.Load(d.Config.Server)
	switch {
	case err == nil:
		token = creds.Token
	case errors.Is(err, credentials.ErrNoCredentials):
		d.Log.Debug("no stored credentials", slog.String("server", d.Config.Server))
	default:
		return nil, err
	}
	return client.New(d.Config.Server, token, d.HTTPClient, d.Log), nil
}

func (d *Dependencies) printer() *printer {
	return &printer{format: d.Config.Output, w: d.Out}
}
