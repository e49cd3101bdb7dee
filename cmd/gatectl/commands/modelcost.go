package commands

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/models"
)

func NewModelCostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelcost",
		Short: "Manage per-model pricing",
	}

	cmd.AddCommand(newModelCostUpsertCommand())
	cmd.AddCommand(newModelCostGetCommand())

	return cmd
}

func newModelCostUpsertCommand() *cobra.Command {
	var provider, input, outputRate, cacheRead, cacheWrite string

	cmd := &cobra.Command{
		Use:   "upsert MODEL_NAME",
		Short: "Create or update a pricing row",
		Long:  "Rates are USD per million tokens.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parse := func(flag, s string) (decimal.Decimal, error) {
				d, err := decimal.NewFromString(s)
				if err != nil {
					return decimal.Zero, fmt.Errorf("invalid %s rate %q: %w", flag, s, err)
				}
				if d.IsNegative() {
					return decimal.Zero, fmt.Errorf("%s rate must not be negative", flag)
				}
				return d, nil
			}

			cost := &models.ModelCost{ModelName: args[0], Provider: provider}
			var err error
			if cost.InputCostPerMillionTokensUSD, err = parse("input", input); err != nil {
				return err
			}
			if cost.OutputCostPerMillionTokensUSD, err = parse("output", outputRate); err != nil {
				return err
			}
			if cost.CacheReadCostPerMillionTokensUSD, err = parse("cache-read", cacheRead); err != nil {
				return err
			}
			if cost.CacheWriteCostPerMillionTokensUSD, err = parse("cache-write", cacheWrite); err != nil {
				return err
			}

			ctx, cancel := cmdContext()
			defer cancel()
			if err := st.UpsertModelCost(ctx, cost); err != nil {
				return err
			}
			publish(ctx, bus.EventTypeModelCost, cost.ModelName)
			return output(fmt.Sprintf("pricing for %s saved", cost.ModelName), cost)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider tag (informational)")
	cmd.Flags().StringVar(&input, "input", "0", "Input rate, USD per million tokens")
	cmd.Flags().StringVar(&outputRate, "output", "0", "Output rate, USD per million tokens")
	cmd.Flags().StringVar(&cacheRead, "cache-read", "0", "Cache read rate, USD per million tokens")
	cmd.Flags().StringVar(&cacheWrite, "cache-write", "0", "Cache write rate, USD per million tokens")

	return cmd
}

func newModelCostGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get MODEL_NAME",
		Short: "Show a pricing row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			cost, err := st.GetModelCost(ctx, args[0])
			if err != nil {
				return err
			}
			return output(fmt.Sprintf("%s: input=%s output=%s cache_read=%s cache_write=%s (USD/M tokens)",
				cost.ModelName,
				cost.InputCostPerMillionTokensUSD,
				cost.OutputCostPerMillionTokensUSD,
				cost.CacheReadCostPerMillionTokensUSD,
				cost.CacheWriteCostPerMillionTokensUSD), cost)
		},
	}
}
