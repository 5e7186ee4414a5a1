// Command seed creates a bootstrap user and imports process templates.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"stageflow/backend/internal/auth"
	"stageflow/backend/internal/config"
	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/logging"
	"stageflow/backend/internal/repository"
	"stageflow/backend/internal/templatefile"
	"stageflow/backend/pkg/models"
)

type seedOptions struct {
	configFile    string
	templatesFile string
	subject       string
	email         string
	name          string
	migrate       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newSeedCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func newSeedCommand() *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Create the bootstrap admin and import templates",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVarP(&opts.templatesFile, "templates", "t", "config/templates.yaml", "Templates YAML file")
	cmd.Flags().StringVar(&opts.subject, "subject", auth.DevSubject, "Identity provider subject of the bootstrap user")
	cmd.Flags().StringVar(&opts.email, "email", "dev@localhost", "Email of the bootstrap user")
	cmd.Flags().StringVar(&opts.name, "name", "Developer", "Display name of the bootstrap user")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "Apply pending migrations first")
	return cmd
}

func runSeed(cmd *cobra.Command, opts seedOptions) error {
	ctx := cmd.Context()
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	templates, err := templatefile.Load(opts.templatesFile)
	if err != nil {
		return err
	}

	pool, err := repository.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := repository.NewPostgresRepository(pool)

	if opts.migrate {
		applied, err := repo.Migrate(ctx)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("Migrations applied", "versions", applied)
		}
	}

	user, err := ensureUser(ctx, repo, opts)
	if err != nil {
		return err
	}
	logger.Info("Bootstrap user ready", "id", user.ID, "subject", user.Subject)

	engine := lifecycle.New(repo, lifecycle.WithLogger(logger))
	res, err := templatefile.Import(ctx, engine, user.ID, templates)
	if err != nil {
		return err
	}
	for _, t := range res.Created {
		fmt.Fprintf(cmd.OutOrStdout(), "created template %q (%d stages)\n", t.Name, len(t.Stages))
	}
	for _, name := range res.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "skipped existing template %q\n", name)
	}
	return nil
}

// ensureUser returns the user for opts.subject, creating it as an admin.
func ensureUser(ctx context.Context, users auth.UserDirectory, opts seedOptions) (*models.User, error) {
	user, err := users.GetUserBySubject(ctx, opts.subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up bootstrap user: %w", err)
	}
	user = &models.User{
		ID:        uuid.NewString(),
		Subject:   opts.subject,
		Email:     opts.email,
		Name:      opts.name,
		Role:      auth.RoleAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return users.GetUserBySubject(ctx, opts.subject)
		}
		return nil, fmt.Errorf("create bootstrap user: %w", err)
	}
	return user, nil
}
