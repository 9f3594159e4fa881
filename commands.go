package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modlog-bot/bot"
	"modlog-bot/config"
	"modlog-bot/handlers"
	"modlog-bot/model"
	"modlog-bot/utils"
	"modlog-bot/utils/database"
)

// openBot loads configuration and builds the bot without connecting it.
func openBot(needToken bool) (*bot.Bot, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if needToken {
		if err := config.RequireToken(cfg); err != nil {
			return nil, err
		}
	}
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogWebhookURL)
	if err != nil {
		return nil, err
	}
	b, err := bot.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating bot: %w", err)
	}
	return b, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and run the reconciliation loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBot(true)
			if err != nil {
				return err
			}
			defer b.Close()

			handlers.Register(b)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.Logger.Error("bot stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every reconciliation loop once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBot(true)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := b.Init(ctx); err != nil {
				return fmt.Errorf("failed to resolve bot user: %w", err)
			}
			res := b.GetScheduler().RunOnce(ctx)

			bold := color.New(color.Bold)
			bold.Println("case expiry")
			fmt.Printf("  scanned %d, closed %d, retained %d, failed %s\n",
				res.Cases.Scanned, res.Cases.Closed, res.Cases.Retained, countColor(res.Cases.Failed))
			bold.Println("role expiry")
			fmt.Printf("  scanned %d, removed %d, deleted %d, skipped %s\n",
				res.Roles.Scanned, res.Roles.Removed, res.Roles.Deleted, countColor(res.Roles.Skipped))
			bold.Println("case audit")
			fmt.Printf("  scanned %d, flagged %s\n", res.Audit.Scanned, countColor(res.Audit.Flagged))
			return nil
		},
	}
}

func countColor(n int) string {
	if n == 0 {
		return color.GreenString("%d", n)
	}
	return color.YellowString("%d", n)
}

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Inspect and close moderation cases",
	}
	cmd.AddCommand(caseShowCmd())
	cmd.AddCommand(caseCloseCmd())
	return cmd
}

func parseCaseArgs(args []string) (string, int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(args[1], "#"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid case number: %s", args[1])
	}
	return args[0], id, nil
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [guild-id] [case-number]",
		Short: "Show a case and its edit history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guildID, caseID, err := parseCaseArgs(args)
			if err != nil {
				return err
			}
			b, err := openBot(false)
			if err != nil {
				return err
			}
			defer b.Close()

			c, err := b.Cases.GetCase(cmd.Context(), guildID, caseID)
			if errors.Is(err, database.ErrCaseNotFound) {
				return fmt.Errorf("case #%d not found in guild %s", caseID, guildID)
			}
			if err != nil {
				return err
			}
			printCase(c)
			return nil
		},
	}
}

func printCase(c *model.ModCase) {
	state := color.GreenString("active")
	if !c.Active {
		state = color.New(color.Faint).Sprint("closed")
	}
	color.New(color.Bold).Printf("Case #%d  %s  ", c.CaseID, c.Action)
	fmt.Println(state)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Subject:\t%s\n", c.Subject.String())
	fmt.Fprintf(w, "  Moderator:\t%s\n", c.ModID)
	fmt.Fprintf(w, "  Reason:\t%s\n", c.Reason)
	if c.DurationMs != nil {
		fmt.Fprintf(w, "  Duration:\t%s\n", utils.FormatDurationWords(*c.DurationMs))
	}
	if c.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires:\t%s\n", c.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Created:\t%s\n", c.CreatedAt.Format(time.RFC3339))
	if c.ClosedAt != nil {
		fmt.Fprintf(w, "  Closed:\t%s\n", c.ClosedAt.Format(time.RFC3339))
	}
	if c.CloseReason != nil {
		fmt.Fprintf(w, "  Close reason:\t%s\n", *c.CloseReason)
	}
	w.Flush()

	if len(c.Edits) == 0 {
		return
	}
	fmt.Println()
	color.New(color.Bold).Println("Edits")
	for _, e := range c.Edits {
		fmt.Printf("  %s  %s: %q -> %q by %s\n",
			e.EditedAt.Format(time.RFC3339), e.Field, e.Previous, e.Next, e.EditedBy)
	}
}

func caseCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close [guild-id] [case-number] [reason]",
		Short: "Close an active case",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			guildID, caseID, err := parseCaseArgs(args)
			if err != nil {
				return err
			}
			reason := "closed manually"
			if len(args) == 3 && strings.TrimSpace(args[2]) != "" {
				reason = args[2]
			}
			b, err := openBot(false)
			if err != nil {
				return err
			}
			defer b.Close()

			c, err := b.Cases.GetCase(cmd.Context(), guildID, caseID)
			if errors.Is(err, database.ErrCaseNotFound) {
				return fmt.Errorf("case #%d not found in guild %s", caseID, guildID)
			}
			if err != nil {
				return err
			}
			closed, err := b.Cases.CloseCase(cmd.Context(), c, reason)
			if err != nil {
				return fmt.Errorf("failed to close case: %w", err)
			}
			if !closed {
				color.Yellow("Case #%d was already closed", caseID)
				return nil
			}
			color.Green("✓ Closed case #%d", caseID)
			return nil
		},
	}
}

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags [guild-id]",
		Short: "List cases the audit loop has flagged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			b, err := openBot(false)
			if err != nil {
				return err
			}
			defer b.Close()

			flags, err := b.FlagStore.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(flags) == 0 {
				fmt.Println("No flagged cases.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CASE\tFLAG\tDETAIL\tRAISED")
			for _, f := range flags {
				fmt.Fprintf(w, "#%d\t%s\t%s\t%s\n", f.CaseID, f.Flag, f.Detail, f.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of flags to list")
	return cmd
}
