package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	config "github.com/xilidan/minutes/config/cli"
	"github.com/xilidan/minutes/gateways/cli/client"
	"github.com/xilidan/minutes/services/minutes/entity"
)

func NewWatchCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [meeting-id]",
		Short: "Follow status changes",
		Long: `Follow status changes over the gRPC status service. With a meeting id the
command exits once that meeting completes or fails; without one it follows
every meeting until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meetingID string
			if len(args) == 1 {
				meetingID = args[0]
			}
			return deps.watch(cmd.Context(), meetingID)
		},
	}
}

func (d *Dependencies) watch(ctx context.Context, meetingID string) error {
	w, err := client.NewWatcher(d.Config.GRPC, d.DialOptions...)
	if err != nil {
		return err
	}
	defer w.Close()

	d.Log.Debug("watching status", slog.String("grpc", d.Config.GRPC), slog.String("meeting_id", meetingID))

	var last entity.StatusEvent
	err = w.Watch(ctx, meetingID, func(ev entity.StatusEvent) error {
		last = ev
		if d.Config.Output == config.OutputText {
			line := fmt.Sprintf("%s  %s  %s", ev.OccurredAt.Local().Format("15:04:05"), ev.MeetingID, ev.Status)
			if ev.LastError != nil {
				line += "  " + string(ev.LastError.Kind) + ": " + ev.LastError.Message
			}
			_, err := fmt.Fprintln(d.Out, line)
			return err
		}
		// one document per event
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(d.Out, string(raw))
		return err
	})
	if err != nil {
		return err
	}

	if meetingID != "" && last.Phase == entity.PhaseFailed {
		return fmt.Errorf("meeting %s failed", meetingID)
	}
	return nil
}
