package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RevCBH/safewalk/internal/client"
	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/session"
)

// withClient runs fn with a connected client and a request deadline.
func (a *App) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := a.requestContext(cmd)
	defer cancel()
	return explain(fn(ctx, c), a.server)
}

// NewStartCmd creates the start command
func NewStartCmd(a *App) *cobra.Command {
	var (
		owner     string
		due       string
		tolerance int
		note      string
		contacts  []string
		location  string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a walk with a return deadline",
		Example: `  safewalk start --owner Camille --due 45m --tolerance 10 \
    --contact "Alice=06 12 34 56 78" --contact "Bob=+33 6 98 76 54 32"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.StartRequest{
				OwnerName:        owner,
				ToleranceMinutes: tolerance,
				Note:             note,
			}
			var err error
			if req.DueTime, err = parseDue(due, a.now()); err != nil {
				return err
			}
			for _, raw := range contacts {
				c, err := parseContact(raw)
				if err != nil {
					return err
				}
				req.Contacts = append(req.Contacts, c)
			}
			if location != "" {
				loc, err := parseLocation(location)
				if err != nil {
					return err
				}
				req.Location = &loc
			}

			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := c.StartSession(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				RenderSession(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), "Started", s)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "Name of the person walking")
	f.StringVar(&due, "due", "", "Deadline: duration (45m), HH:MM or RFC 3339")
	f.IntVar(&tolerance, "tolerance", 10, "Grace minutes after the deadline")
	f.StringVar(&note, "note", "", "Where you are going")
	f.StringArrayVar(&contacts, "contact", nil, "Trusted contact as Name=phone (repeatable)")
	f.StringVar(&location, "location", "", "Starting position as lat,lon")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("due")

	return cmd
}

// NewStatusCmd creates the status command
func NewStatusCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's deadline and alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				v, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), v)
				}
				RenderStatus(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), v)
				return nil
			})
		},
	}
}

// sessionCmd builds a command that applies one action to a session.
func sessionCmd(a *App, use, short, verb string, op func(context.Context, *client.Client, string) (*session.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := op(ctx, c, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				RenderSession(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), verb, s)
				return nil
			})
		},
	}
}

// NewConfirmCmd creates the confirm command
func NewConfirmCmd(a *App) *cobra.Command {
	return sessionCmd(a, "confirm", "Confirm you are back safe", "Confirmed",
		func(ctx context.Context, c *client.Client, id string) (*session.Session, error) {
			return c.Confirm(ctx, id)
		})
}

// NewCancelCmd creates the cancel command
func NewCancelCmd(a *App) *cobra.Command {
	return sessionCmd(a, "cancel", "Cancel a session without notifying anyone", "Cancelled",
		func(ctx context.Context, c *client.Client, id string) (*session.Session, error) {
			return c.Cancel(ctx, id)
		})
}

// NewExtendCmd creates the extend command
func NewExtendCmd(a *App) *cobra.Command {
	var minutes int
	cmd := sessionCmd(a, "extend", "Push the deadline back", "Extended",
		func(ctx context.Context, c *client.Client, id string) (*session.Session, error) {
			return c.Extend(ctx, id, minutes)
		})
	cmd.Flags().IntVarP(&minutes, "minutes", "m", 15, fmt.Sprintf("Minutes to add (1-%d)", engine.MaxExtendMinutes))
	return cmd
}

// NewLocationCmd creates the location command
func NewLocationCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location <session-id> <lat,lon>",
		Short: "Attach your current position to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocation(args[1])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := c.UpdateLocation(ctx, args[0], loc)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				RenderSession(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), "Located", s)
				return nil
			})
		},
	}
	return cmd
}

// NewSosCmd creates the sos command
func NewSosCmd(a *App) *cobra.Command {
	var location string

	cmd := &cobra.Command{
		Use:   "sos <session-id>",
		Short: "Alert every contact now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var loc *session.Location
			if location != "" {
				l, err := parseLocation(location)
				if err != nil {
					return err
				}
				loc = &l
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				out, err := c.Sos(ctx, args[0], loc)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				w := cmd.OutOrStdout()
				st := stylesFor(w)
				fmt.Fprintln(w, st.Alert.Render("SOS sent"))
				RenderAttempts(w, st, out.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "Current position as lat,lon")
	return cmd
}

// NewAttemptsCmd creates the attempts command
func NewAttemptsCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <session-id>",
		Short: "List the messages sent for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				attempts, err := c.Attempts(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), attempts)
				}
				RenderAttempts(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), attempts)
				return nil
			})
		},
	}
}

// NewWatchCmd creates the watch command, which follows the event stream
// until interrupted.
func NewWatchCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Stream escalation events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			w := cmd.OutOrStdout()
			st := stylesFor(w)
			err = c.WatchEvents(contextOrBackground(cmd.Context()), id, func(e events.Event) {
				if a.jsonOut {
					_ = writeJSON(w, e)
					return
				}
				RenderEvent(w, st, e)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return explain(err, a.server)
		},
	}
}
