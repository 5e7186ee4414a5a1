package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

func newPostgresEngine(t *testing.T) (*Engine, *repository.PostgresRepository) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("stageflow-test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable", "pool_max_conns=16")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := repository.Connect(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	repo := repository.NewPostgresRepository(pool)
	_, err = repo.Migrate(ctx)
	require.NoError(t, err)
	return New(repo), repo
}

func TestAdvanceCurrentStage_PostgresConcurrentCallsSerialize(t *testing.T) {
	engine, repo := newPostgresEngine(t)
	ctx := context.Background()

	alice := &models.User{ID: uuid.NewString(), Subject: "sub-alice", Name: "Alice"}
	bob := &models.User{ID: uuid.NewString(), Subject: "sub-bob", Name: "Bob"}
	require.NoError(t, repo.CreateUser(ctx, alice))
	require.NoError(t, repo.CreateUser(ctx, bob))

	tmpl, err := engine.CreateTemplate(ctx, "Onboarding", "", alice.ID,
		[]StageInput{{Name: "Collect Docs"}, {Name: "Review"}, {Name: "Approve"}})
	require.NoError(t, err)
	pid, err := engine.CreateProcess(ctx, CreateProcessInput{TemplateID: tmpl.ID, CreatorID: alice.ID, FirstAssignee: &alice.ID})
	require.NoError(t, err)

	view, err := engine.GetProcessView(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, engine.AssignStage(ctx, pid, view.Stages[1].ID, alice.ID, &bob.ID))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := engine.AdvanceCurrentStage(ctx, pid, alice.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	for _, err := range failures {
		assert.True(t, errors.Is(err, ErrNotAssignee) || KindOf(err) == KindPersistence, "unexpected error: %v", err)
	}

	instances, err := repo.ListStageInstances(ctx, pid)
	require.NoError(t, err)
	active := 0
	for _, si := range instances {
		if si.Status == models.StageStatusInProgress {
			active++
		}
	}
	assert.Equal(t, 1, active, "exactly one stage is in progress")

	view, err = engine.GetProcessView(ctx, pid)
	require.NoError(t, err)
	stages := view.Stages
	assert.Equal(t, models.StageStatusCompleted, stages[0].Status)
	assert.Equal(t, models.StageStatusInProgress, stages[1].Status)
	assert.Equal(t, models.StageStatusPending, stages[2].Status)

	current, err := engine.DeriveCurrentStage(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, stages[1].ID, current.ID)
}
