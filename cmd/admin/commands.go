package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit"
	auditentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// opener builds the application for a config path.
type opener func(configPath string) (*app.App, error)

// cliActor is recorded as the actor of admin actions taken from the shell.
var cliActor = session.Identity{Email: "admin-cli", Role: entity.RoleAdmin}

var cliClient = auth.Client{IP: "local", UserAgent: "nextgate-admin"}

func openApp(configPath string) (*app.App, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg, err := utilities.Init(utilities.Config{Level: "warn", File: cfg.Log.File, MaxAge: cfg.Log.MaxAge.Std()})
	if err != nil {
		return nil, err
	}
	return app.New(cfg, lg.Sugar())
}

func newRootCmd(open opener) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "admin",
		Short:         "NextGate account administration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (defaults to $CONFIG_FILE)")

	// with opens the app, runs fn and releases the app.
	with := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		a, err := open(configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a)
	}

	accountCmd := &cobra.Command{Use: "account", Short: "Manage accounts"}
	accountCmd.AddCommand(
		accountCreateCmd(with),
		accountListCmd(with),
		accountLockCmd(with, true),
		accountLockCmd(with, false),
		accountSubscriptionCmd(with),
	)

	auditCmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	auditCmd.AddCommand(auditListCmd(with))

	root.AddCommand(accountCmd, auditCmd)
	return root
}

type runner func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error

func accountCreateCmd(with runner) *cobra.Command {
	var (
		email, password, name, company, role, subscription string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := entity.ParseSubscriptionStatus(subscription)
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Accounts.CreateAccount(ctx, email, password, entity.Profile{
					Name:        name,
					CompanyName: company,
					Role:        role,
				})
				if err != nil {
					return fmt.Errorf("failed to create account: %w", err)
				}
				if status != acc.SubscriptionStatus {
					if acc, err = a.Accounts.UpdateSubscription(ctx, acc.ID, entity.SubscriptionUpdate{Status: status}); err != nil {
						return fmt.Errorf("failed to set subscription: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account created: id=%d email=%s role=%s subscription=%s\n",
					acc.ID, acc.Email, acc.Role, acc.SubscriptionStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&company, "company", "", "Company name")
	cmd.Flags().StringVar(&role, "role", entity.RoleUser, "Role (user or admin)")
	cmd.Flags().StringVar(&subscription, "subscription", string(entity.SubscriptionInactive), "Initial subscription status")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func accountListCmd(with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, a *app.App) error {
				accs, err := a.Auth.ListAccounts(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(accs) == 0 {
					fmt.Fprintln(out, "No accounts found")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tSUBSCRIPTION\tLOCKED\tFAILED\tMFA\tCREATED")
				for _, acc := range accs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%d\t%t\t%s\n",
						acc.ID, acc.Email, acc.Role, acc.SubscriptionStatus,
						acc.AccountLocked, acc.FailedLoginAttempts, acc.MFAEnabled,
						acc.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
}

func accountLockCmd(with runner, lock bool) *cobra.Command {
	use, short := "unlock <id>", "Unlock an account and reset its failed logins"
	if lock {
		use, short = "lock <id>", "Lock an account"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, a *app.App) error {
				var acc *entity.Account
				if lock {
					acc, err = a.Auth.Lock(ctx, cliActor, id, cliClient)
				} else {
					acc, err = a.Auth.Unlock(ctx, cliActor, id, cliClient)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %d (%s) locked=%t\n", acc.ID, acc.Email, acc.AccountLocked)
				return nil
			})
		},
	}
}

func accountSubscriptionCmd(with runner) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "subscription <id> <status>",
		Short: "Set the subscription status of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, err := entity.ParseSubscriptionStatus(args[1])
			if err != nil {
				return err
			}
			u := entity.SubscriptionUpdate{Status: status}
			if plan != "" {
				u.Plan = &plan
			}
			return with(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Auth.UpdateSubscription(ctx, cliActor, id, u, cliClient)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %d (%s) subscription=%s\n", acc.ID, acc.Email, acc.SubscriptionStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "Subscription plan")
	return cmd
}

func auditListCmd(with runner) *cobra.Command {
	var (
		userID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return with(cmd, func(ctx context.Context, a *app.App) error {
				var uid *int64
				if cmd.Flags().Changed("user-id") {
					uid = &userID
				}
				entries, err := a.Audit.Query(ctx, uid, limit)
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "Only entries for this account")
	cmd.Flags().IntVarP(&limit, "limit", "n", audit.DefaultQueryLimit, "Maximum entries")
	return cmd
}

func printEntries(out io.Writer, entries []*auditentity.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No audit entries found")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tACTION\tIP\tDETAILS")
	for _, e := range entries {
		user := "-"
		if e.UserID != nil {
			user = strconv.FormatInt(*e.UserID, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), user, e.Action, e.IPAddress, string(e.Details))
	}
	return tw.Flush()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return id, nil
}
