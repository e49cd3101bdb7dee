package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/ametov/metergate/internal/logger"
	"github.com/ametov/metergate/internal/models"
)

type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the durable Store backed by gorm.
type Postgres struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgres(cfg *PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: DSN is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}

	gormLog := gormlogger.New(applogger.NewGormLogger(logger), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLog,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("store: failed to ping: %w", err)
	}

	s := &Postgres{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Postgres) migrate() error {
	if err := s.db.AutoMigrate(
		&models.Account{},
		&models.APIKey{},
		&models.ModelCost{},
		&models.UsageLog{},
	); err != nil {
		return err
	}

	// AutoMigrate covers the unique indexes declared on the models; the
	// composite usage-log index is declared there too, these are belt and
	// braces for databases migrated by hand.
	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_logs_user_ts ON usage_logs(user_id, timestamp)")
	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)")
	return nil
}

func (s *Postgres) GetAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key: %w", err)
	}
	return &key, nil
}

func (s *Postgres) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return &account, nil
}

func (s *Postgres) GetModelCost(ctx context.Context, modelName string) (*models.ModelCost, error) {
	var cost models.ModelCost
	err := s.db.WithContext(ctx).Where("model_name = ?", modelName).First(&cost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get model cost: %w", err)
	}
	return &cost, nil
}

// IncrementSpent is a single-statement atomic increment; read-then-write is
// deliberately not used here. RETURNING gives back the post-update row.
func (s *Postgres) IncrementSpent(ctx context.Context, userID string, delta decimal.Decimal) (*models.Account, error) {
	if delta.IsNegative() {
		return nil, ErrNegativeDelta
	}
	var account models.Account
	res := s.db.WithContext(ctx).
		Model(&account).
		Clauses(clause.Returning{}).
		Where("user_id = ?", userID).
		UpdateColumn("spent_usd", gorm.Expr("spent_usd + ?", delta))
	if res.Error != nil {
		return nil, fmt.Errorf("store: increment spent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &account, nil
}

func (s *Postgres) ResetSpent(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	res := s.db.WithContext(ctx).
		Model(&account).
		Clauses(clause.Returning{}).
		Where("user_id = ?", userID).
		UpdateColumn("spent_usd", decimal.Zero)
	if res.Error != nil {
		return nil, fmt.Errorf("store: reset spent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &account, nil
}

func (s *Postgres) AppendUsageLog(ctx context.Context, entry *models.UsageLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("store: append usage log: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertAccount(ctx context.Context, account *models.Account) error {
	// spent_usd is never touched on upsert; only IncrementSpent/ResetSpent
	// mutate it.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_name", "budget_usd", "budget_duration", "is_active", "updated_at",
		}),
	}).Create(account).Error
	if err != nil {
		return fmt.Errorf("store: upsert account: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertAPIKey(ctx context.Context, key *models.APIKey) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "key_name", "is_active", "allowed_models", "updated_at",
		}),
	}).Create(key).Error
	if err != nil {
		return fmt.Errorf("store: upsert api key: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertModelCost(ctx context.Context, cost *models.ModelCost) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"input_cost_per_million_tokens_usd",
			"output_cost_per_million_tokens_usd",
			"cache_read_cost_per_million_tokens_usd",
			"cache_write_cost_per_million_tokens_usd",
			"updated_at",
		}),
	}).Create(cost).Error
	if err != nil {
		return fmt.Errorf("store: upsert model cost: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Postgres) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
