package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RevCBH/safewalk/internal/client"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/phone"
)

// NewTestSMSCmd creates the test-sms command
func NewTestSMSCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "test-sms <phone>",
		Short: "Send a diagnostic message through the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				attempt, err := c.SendTest(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), attempt)
				}
				RenderAttempts(cmd.OutOrStdout(), stylesFor(cmd.OutOrStdout()), []*ledger.Attempt{attempt})
				return nil
			})
		},
	}
}

type phoneResult struct {
	Input     string `json:"input"`
	Canonical string `json:"canonical,omitempty"`
	Display   string `json:"display"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

// NewPhoneCmd creates the phone command. It works offline.
func NewPhoneCmd(a *App) *cobra.Command {
	var partial bool

	cmd := &cobra.Command{
		Use:   "phone <number>...",
		Short: "Check how numbers will be normalized",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			st := stylesFor(w)

			results := make([]phoneResult, 0, len(args))
			for _, raw := range args {
				r := phoneResult{Input: raw}
				if partial {
					r.Display = phone.FormatPartial(raw)
					r.Valid = true
				} else if c, err := phone.Normalize(raw); err != nil {
					r.Display = phone.Clean(raw)
					r.Error = err.Error()
				} else {
					r.Canonical = c.String()
					r.Display = phone.Format(c)
					r.Valid = true
				}
				results = append(results, r)
			}

			if a.jsonOut {
				return writeJSON(w, results)
			}
			invalid := 0
			for _, r := range results {
				switch {
				case partial:
					fmt.Fprintf(w, "%s  %s\n", st.Muted.Render(r.Input), r.Display)
				case r.Valid:
					fmt.Fprintf(w, "%s %s  %s\n", st.OK.Render(SymbolDelivered), r.Display, st.Muted.Render(r.Canonical))
				default:
					invalid++
					fmt.Fprintf(w, "%s %s  %s\n", st.Alert.Render(SymbolFailed), r.Input, st.Muted.Render(r.Error))
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d numbers are invalid", invalid, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "Format as-typed input without validating")
	return cmd
}
