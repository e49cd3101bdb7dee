package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ametov/metergate/cmd/gatectl/commands"
	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/store"
)

var (
	dbURL        string
	redisURL     string
	redisChannel string
	outputJSON   bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatectl",
		Short: "metergate management CLI",
		Long: `Manage metergate accounts, API keys and model pricing directly against
the database. When a Redis URL is given, writes also publish cache
invalidations so running gateway instances pick them up immediately.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initState() },
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL (default $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL for invalidations (default $REDIS_URL)")
	rootCmd.PersistentFlags().StringVar(&redisChannel, "redis-channel", "", "Redis invalidation channel")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(commands.NewAccountCommand())
	rootCmd.AddCommand(commands.NewKeyCommand())
	rootCmd.AddCommand(commands.NewModelCostCommand())

	return rootCmd
}

func initState() error {
	_ = godotenv.Load()

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return fmt.Errorf("database URL is required (--db-url or DATABASE_URL)")
	}
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}

	st, err := store.NewPostgres(&store.PostgresConfig{DSN: dbURL}, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	commands.SetStore(st)

	if redisURL != "" {
		redisBus, err := bus.NewRedis(redisURL, redisChannel, zap.NewNop())
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		commands.SetBus(redisBus)
	}

	commands.SetOutputJSON(outputJSON)
	return nil
}
