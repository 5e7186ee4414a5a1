package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"stageflow/backend/internal/config"
	"stageflow/backend/internal/logging"
	"stageflow/backend/internal/repository"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logging.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.New(logging.Options{Output: os.Stderr})
	}
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
}

// openRepository connects to PostgreSQL. The caller closes the pool.
func (c *commandContext) openRepository(ctx context.Context) (*repository.PostgresRepository, *pgxpool.Pool, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := repository.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool, nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "stageflow",
		Short:         "Template-driven process lifecycle service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default: ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))
	return rootCmd
}
