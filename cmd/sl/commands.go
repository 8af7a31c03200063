package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shiftline/internal/app"
	"shiftline/internal/domain"
	"shiftline/internal/engine"
	"shiftline/internal/repo"
)

func shiftCmd() *cobra.Command {
	s := &cobra.Command{Use: "shift", Short: "Post and manage shifts"}
	s.AddCommand(shiftCreateCmd())
	s.AddCommand(shiftPublishCmd())
	s.AddCommand(shiftCancelCmd())
	s.AddCommand(shiftListCmd())
	s.AddCommand(shiftGetCmd())
	return s
}

func shiftCreateCmd() *cobra.Command {
	var opts engine.CreateShiftOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a shift as the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateShift(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "shift id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().Int64Var(&opts.PayAmount, "pay", 0, "pay in minor currency units")
	cmd.Flags().StringVar(&opts.PayCurrency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&opts.StartsAt, "starts", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&opts.EndsAt, "ends", "", "end time (RFC3339)")
	cmd.Flags().IntVar(&opts.RequiredCount, "count", 1, "number of fulfillers needed")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "open the shift for applications immediately")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("starts")
	_ = cmd.MarkFlagRequired("ends")
	return cmd
}

func shiftPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <shift-id>",
		Short: "Open a draft shift for applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.PublishShift(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func shiftCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <shift-id>",
		Short: "Cancel a shift that has not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CancelShift(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func shiftListCmd() *cobra.Command {
	var f repo.ShiftFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shifts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shifts, err := e.ListShifts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(shifts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Requester", "Admitted", "Starts"})
				for _, s := range shifts {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Status, s.RequesterID, fmt.Sprintf("%d/%d", s.AdmittedCount, s.RequiredCount), s.StartsAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.FulfillerID, "fulfiller", "", "admitted fulfiller filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "list shifts older than this shift id")
	return cmd
}

func shiftGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <shift-id>",
		Short: "Show a shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetShift(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func applyCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "apply <shift-id>",
		Short: "Apply to an open shift as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitApplication(ctx, engine.SubmitApplicationOptions{
					ShiftID:     args[0],
					CandidateID: actor(),
					Message:     message,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "note to the requester")
	return cmd
}

func withdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <application-id>",
		Short: "Withdraw a pending application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.WithdrawApplication(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func applicationCmd() *cobra.Command {
	a := &cobra.Command{Use: "application", Short: "Inspect applications"}
	var status string
	list := &cobra.Command{
		Use:   "list <shift-id>",
		Short: "List applications of a shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				apps, err := e.ListApplications(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Candidate", "Status", "Reason", "Submitted"})
				for _, item := range apps {
					tw.AppendRow(table.Row{item.ID, item.CandidateID, item.Status, item.Reason, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (pending, accepted, rejected)")
	a.AddCommand(list)
	return a
}

func admitCmd() *cobra.Command {
	var accept, reject bool
	cmd := &cobra.Command{
		Use:   "admit <shift-id> <application-id>",
		Short: "Accept or reject a pending application",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := engine.DecisionAccept
			if reject {
				decision = engine.DecisionReject
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Admit(ctx, engine.AdmitOptions{
					ShiftID:       args[0],
					ApplicationID: args[1],
					CallerID:      actor(),
					Decision:      decision,
				})
				if err != nil {
					if engine.Retryable(err) {
						return fmt.Errorf("%w (re-read the shift before retrying)", err)
					}
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "admit the candidate")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the candidate")
	cmd.MarkFlagsMutuallyExclusive("accept", "reject")
	cmd.MarkFlagsOneRequired("accept", "reject")
	return cmd
}

func confirmCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "confirm <shift-id>",
		Short: "Confirm completion for your side of a shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Confirm(ctx, engine.ConfirmOptions{
					ShiftID:  args[0],
					CallerID: actor(),
					Role:     strings.ToLower(role),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "requester or fulfiller")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rateCmd() *cobra.Command {
	var opts engine.RatingOptions
	cmd := &cobra.Command{
		Use:   "rate <shift-id>",
		Short: "Rate the counterpart of a completed shift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ShiftID = args[0]
			opts.RaterID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitRating(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RatedID, "rated", "", "user being rated")
	cmd.Flags().IntVar(&opts.Score, "score", 0, "score")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("rated")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func recordCmd() *cobra.Command {
	r := &cobra.Command{Use: "record", Short: "Completion records"}
	var byShift bool
	get := &cobra.Command{
		Use:   "get <record-id|shift-id>",
		Short: "Show a completion record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					rec domain.CompletionRecord
					err error
				)
				if byShift {
					rec, err = e.GetCompletionRecordForShift(ctx, args[0], actor())
				} else {
					rec, err = e.GetCompletionRecord(ctx, args[0], actor())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	get.Flags().BoolVar(&byShift, "shift", false, "treat the argument as a shift id")
	r.AddCommand(get)

	var user string
	list := &cobra.Command{
		Use:   "list",
		Short: "List records naming a user (defaults to the current actor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = actor()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListCompletionRecords(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Shift", "Title", "Requester", "Fulfillers", "Issued"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.ID, rec.ShiftID, rec.Terms.Title, rec.RequesterID, strings.Join(rec.FulfillerIDs, ","), rec.IssuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "user id")
	r.AddCommand(list)
	return r
}

func reputationCmd() *cobra.Command {
	r := &cobra.Command{Use: "reputation", Short: "User reputation"}
	r.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show aggregate reputation and received ratings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GetReputation(ctx, args[0])
				if err != nil {
					return err
				}
				ratings, err := e.ListRatings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reputation": rep, "ratings": ratings})
				}
				fmt.Printf("%s: %.2f average over %d ratings\n", rep.UserID, rep.Average, rep.Count)
				if len(ratings) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Shift", "Rater", "Score", "Comment", "At"})
				for _, rt := range ratings {
					tw.AppendRow(table.Row{rt.ShiftID, rt.RaterID, rt.Score, rt.Comment, rt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "recompute <user-id>",
		Short: "Rebuild a user's aggregate from every rating received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.RecomputeReputation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	})
	return r
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Notification outbox"}
	var f repo.NotificationFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued and delivered notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Kind", "Attempts", "Delivered", "Last error"})
				for _, item := range items {
					delivered := ""
					if item.DeliveredAt != nil {
						delivered = *item.DeliveredAt
					}
					tw.AppendRow(table.Row{item.ID, item.UserID, item.Kind, item.Attempts, delivered, item.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.UserID, "user", "", "recipient filter")
	list.Flags().BoolVar(&f.PendingOnly, "pending", false, "only undelivered notifications")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	n.AddCommand(list)
	n.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver queued notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Dispatcher.DrainOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	})
	return n
}
