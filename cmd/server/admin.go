package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/config"
	"github.com/shehryarbajwa/webgrab/internal/credits"
	"github.com/shehryarbajwa/webgrab/internal/storage"
)

func openDB() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}

	var (
		user   string
		amount int64
		reason string
	)
	grant := &cobra.Command{
		Use:     "grant",
		Short:   "Add credits to a user's balance",
		Example: "  webgrab credits grant --user alice --amount 100",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			balance, err := credits.NewSQLiteLedger(db).Grant(cmd.Context(), user, amount, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s, balance %d\n", amount, user, balance)
			return nil
		},
	}
	grant.Flags().StringVar(&user, "user", "", "user id")
	grant.Flags().Int64Var(&amount, "amount", 0, "credits to add")
	grant.Flags().StringVar(&reason, "reason", "grant", "ledger reason")
	grant.MarkFlagRequired("user")
	grant.MarkFlagRequired("amount")

	var (
		balanceUser string
		history     int
	)
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's balance and recent transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ledger := credits.NewSQLiteLedger(db)
			bal, err := ledger.Balance(cmd.Context(), balanceUser)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d credits\n", balanceUser, bal)
			if history <= 0 {
				return nil
			}

			txs, err := ledger.Transactions(cmd.Context(), balanceUser, history)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "TIME\tAMOUNT\tBALANCE\tREASON")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%+d\t%d\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Delta, tx.BalanceAfter, tx.Reason)
			}
			return nil
		},
	}
	balance.Flags().StringVar(&balanceUser, "user", "", "user id")
	balance.Flags().IntVar(&history, "history", 10, "number of recent transactions to list")
	balance.MarkFlagRequired("user")

	cmd.AddCommand(grant, balance)
	return cmd
}

func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage persisted captures",
	}

	var id string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete a persisted capture and its permanent URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			objects, err := artifact.NewFileStore(cfg.ObjectsDir())
			if err != nil {
				return err
			}
			store := artifact.NewStore(db, objects, cfg.PublicURL+"/v1/files", nil)
			if err := store.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
	del.Flags().StringVar(&id, "id", "", "file id")
	del.MarkFlagRequired("id")

	cmd.AddCommand(del)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		user string
		plan string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Mint a bearer token signed with WEBGRAB_JWT_SECRET",
		Example: "  webgrab token --user alice --plan pro --ttl 720h",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := auth.New(cfg.JWTSecret, nil).MintToken(user, plan, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&plan, "plan", auth.DefaultPlan, "plan claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
