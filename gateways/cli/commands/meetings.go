package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xilidan/minutes/gateways/cli/client"
	"github.com/xilidan/minutes/services/minutes/entity"
)

func NewUploadCmd(deps *Dependencies) *cobra.Command {
	var (
		title     string
		meetingID string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a recording and start processing it",
		Long: `Upload an audio or video recording. Processing continues on the server;
use --wait to follow it until the minutes are ready.

Examples:
  minutesctl upload standup.m4a
  minutesctl upload board.mp4 --title "Board meeting" --wait
  minutesctl upload planning.wav --meeting 3f9c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), deps.Config.Timeout)
			defer cancel()

			started, err := c.Upload(ctx, client.UploadRequest{Path: args[0], Title: title, MeetingID: meetingID})
			if err != nil {
				return err
			}

			if err := deps.printer().print(started, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\t%s\n", started.MeetingID, started.Title, started.Status)
				return err
			}); err != nil {
				return err
			}

			if !wait {
				return nil
			}
			return deps.watch(cmd.Context(), started.MeetingID)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "meeting title (derived from the file name when omitted)")
	cmd.Flags().StringVar(&meetingID, "meeting", "", "attach the recording to this scheduled meeting")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow processing until the meeting settles")
	return cmd
}

func NewScheduleCmd(deps *Dependencies) *cobra.Command {
	var (
		at string
		in time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule <title>",
		Short: "Create a meeting ahead of its recording",
		Long: `Create a pending meeting that shows up in the upcoming list. Attach the
recording later with "minutesctl upload --meeting <id>".

Examples:
  minutesctl schedule "Quarterly review" --at 2026-11-02T15:00:00+01:00
  minutesctl schedule "Standup" --in 2h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				when = t
			case in > 0:
				when = time.Now().Add(in)
			default:
				return errors.New("one of --at or --in is required")
			}

			c, err := deps.client()
			if err != nil {
				return err
			}
			m, err := c.Schedule(cmd.Context(), args[0], when)
			if err != nil {
				return err
			}

			return deps.printer().print(m, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Title, formatTime(m.ScheduledAt))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "start time (RFC 3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "start time relative to now")
	return cmd
}

func NewListCmd(deps *Dependencies) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meetings",
		Long: `List meetings. Filters: all (default), upcoming, recent, archived.

Examples:
  minutesctl list
  minutesctl list --filter upcoming -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := entity.ParseFilter(filter)
			if err != nil {
				return err
			}

			c, err := deps.client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			return deps.printer().print(list, func(w io.Writer) error {
				return writeList(w, list)
			})
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "all, upcoming, recent or archived")
	return cmd
}

func NewShowCmd(deps *Dependencies) *cobra.Command {
	var transcript bool

	cmd := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Print a meeting's minutes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			m, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return deps.printer().print(m, func(w io.Writer) error {
				return writeMinutes(w, m, transcript)
			})
		},
	}

	cmd.Flags().BoolVar(&transcript, "transcript", false, "include the full transcript")
	return cmd
}

func NewStatusCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "status <meeting-id>",
		Short: "Show the processing status of a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return deps.printer().print(st, func(w io.Writer) error {
				return writeStatus(w, st)
			})
		},
	}
}

func NewRetryCmd(deps *Dependencies) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "retry <meeting-id>",
		Short: "Resume a failed meeting from its last persisted stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			started, err := c.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if err := deps.printer().print(started, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\n", started.MeetingID, started.Status)
				return err
			}); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			return deps.watch(cmd.Context(), started.MeetingID)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow processing until the meeting settles")
	return cmd
}

func NewCancelCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <meeting-id>",
		Short: "Stop processing a meeting after its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func NewArchiveCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <meeting-id>",
		Short: "Move a meeting to the archived list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			m, err := c.Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return deps.printer().print(m, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Archived %s (%s)\n", m.ID, m.Title)
				return err
			})
		},
	}
}

func NewUnarchiveCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive <meeting-id>",
		Short: "Bring an archived meeting back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.client()
			if err != nil {
				return err
			}
			m, err := c.Unarchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return deps.printer().print(m, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Unarchived %s (%s)\n", m.ID, m.Title)
				return err
			})
		},
	}
}
