package commands

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/models"
)

func NewAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts and budgets",
	}

	cmd.AddCommand(newAccountUpsertCommand())
	cmd.AddCommand(newAccountGetCommand())
	cmd.AddCommand(newAccountResetCommand())

	return cmd
}

func newAccountUpsertCommand() *cobra.Command {
	var name, budget string
	var inactive bool

	cmd := &cobra.Command{
		Use:   "upsert USER_ID",
		Short: "Create or update an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			budgetUSD, err := decimal.NewFromString(budget)
			if err != nil {
				return fmt.Errorf("invalid budget %q: %w", budget, err)
			}
			if budgetUSD.IsNegative() {
				return fmt.Errorf("budget must not be negative")
			}

			account := &models.Account{
				UserID:         userID,
				AccountName:    name,
				BudgetUSD:      budgetUSD,
				BudgetDuration: models.BudgetDurationTotal,
				IsActive:       !inactive,
			}

			ctx, cancel := cmdContext()
			defer cancel()
			if err := st.UpsertAccount(ctx, account); err != nil {
				return err
			}
			publish(ctx, bus.EventTypeAccount, userID)
			return output(fmt.Sprintf("account %s saved (budget %s USD)", userID, budgetUSD), account)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Account display name")
	cmd.Flags().StringVar(&budget, "budget", "0", "Budget in USD")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the account disabled")

	return cmd
}

func newAccountGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get USER_ID",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			account, err := st.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			return output(fmt.Sprintf("account %s: budget %s USD, spent %s USD, active=%t",
				account.UserID, account.BudgetUSD, account.SpentUSD, account.IsActive), account)
		},
	}
}

func newAccountResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset USER_ID",
		Short: "Reset an account's spend to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			account, err := st.ResetSpent(ctx, args[0])
			if err != nil {
				return err
			}
			publish(ctx, bus.EventTypeAccount, account.UserID)
			return output(fmt.Sprintf("account %s spend reset", account.UserID), account)
		},
	}
}
