package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/models"
)

func NewKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}

	cmd.AddCommand(newKeyCreateCommand())
	cmd.AddCommand(newKeyGetCommand())
	cmd.AddCommand(newKeyDisableCommand())

	return cmd
}

func newKeyCreateCommand() *cobra.Command {
	var userID, name string
	var allowedModels []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := models.GenerateAPIKey()
			if err != nil {
				return err
			}
			key := &models.APIKey{
				Key:           raw,
				UserID:        userID,
				KeyName:       name,
				IsActive:      true,
				AllowedModels: allowedModels,
			}

			ctx, cancel := cmdContext()
			defer cancel()
			if err := st.UpsertAPIKey(ctx, key); err != nil {
				return err
			}
			publish(ctx, bus.EventTypeAPIKey, raw)
			return output(fmt.Sprintf("key created for %s: %s", userID, raw), key)
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Owning account user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Key display name")
	cmd.Flags().StringSliceVar(&allowedModels, "allowed-models", nil, "Restrict the key to these models")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}

func newKeyGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get API_KEY",
		Short: "Show an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			key, err := st.GetAPIKey(ctx, args[0])
			if err != nil {
				return err
			}
			return output(fmt.Sprintf("key %s: user=%s active=%t models=%v",
				key.Key, key.UserID, key.IsActive, []string(key.AllowedModels)), key)
		},
	}
}

func newKeyDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable API_KEY",
		Short: "Disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			key, err := st.GetAPIKey(ctx, args[0])
			if err != nil {
				return err
			}
			key.IsActive = false
			if err := st.UpsertAPIKey(ctx, key); err != nil {
				return err
			}
			publish(ctx, bus.EventTypeAPIKey, key.Key)
			return output(fmt.Sprintf("key %s disabled", key.Key), key)
		},
	}
}
