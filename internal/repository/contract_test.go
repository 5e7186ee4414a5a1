package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/backend/pkg/models"
)

// runRepositoryContract exercises the behaviour every Repository must share.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	alice := &models.User{ID: uuid.NewString(), Subject: "sub-alice-" + uuid.NewString(), Name: "Alice", Email: "alice@example.com"}
	bob := &models.User{ID: uuid.NewString(), Subject: "sub-bob-" + uuid.NewString(), Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, repo.CreateUser(ctx, alice))
	require.NoError(t, repo.CreateUser(ctx, bob))

	tmpl := &models.Template{
		ID:        uuid.NewString(),
		Name:      "Onboarding",
		CreatedBy: alice.ID,
		Stages: []*models.StageDefinition{
			{ID: uuid.NewString(), Order: 2, Name: "Review"},
			{ID: uuid.NewString(), Order: 1, Name: "Collect Docs"},
			{ID: uuid.NewString(), Order: 3, Name: "Approve"},
		},
	}
	require.NoError(t, repo.CreateTemplate(ctx, tmpl))

	t.Run("users by subject", func(t *testing.T) {
		got, err := repo.GetUserBySubject(ctx, alice.Subject)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)

		_, err = repo.GetUserBySubject(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)

		dup := &models.User{ID: uuid.NewString(), Subject: alice.Subject}
		assert.ErrorIs(t, repo.CreateUser(ctx, dup), ErrConflict)
	})

	t.Run("template stages come back ordered", func(t *testing.T) {
		got, err := repo.GetTemplate(ctx, tmpl.ID)
		require.NoError(t, err)
		require.Len(t, got.Stages, 3)
		assert.Equal(t, []string{"Collect Docs", "Review", "Approve"},
			[]string{got.Stages[0].Name, got.Stages[1].Name, got.Stages[2].Name})

		_, err = repo.GetTemplate(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	defs, err := repo.ListStageDefinitions(ctx, tmpl.ID)
	require.NoError(t, err)

	newProcess := func(t *testing.T) (*models.Process, []*models.StageInstance) {
		t.Helper()
		now := time.Now().UTC().Truncate(time.Microsecond)
		p := &models.Process{ID: uuid.NewString(), TemplateID: tmpl.ID, Status: models.ProcessStatusInProgress, CreatedBy: alice.ID}
		var instances []*models.StageInstance
		for i, d := range defs {
			si := &models.StageInstance{ID: uuid.NewString(), ProcessID: p.ID, StageDefinitionID: d.ID, Status: models.StageStatusPending}
			if i == 0 {
				si.Status = models.StageStatusInProgress
				si.StartedAt = &now
				si.Assignee = &alice.ID
			}
			instances = append(instances, si)
		}
		require.NoError(t, repo.InTx(ctx, func(tx Store) error {
			if err := tx.CreateProcess(ctx, p); err != nil {
				return err
			}
			return tx.CreateStageInstances(ctx, instances)
		}))
		return p, instances
	}

	t.Run("templates report how many processes use them", func(t *testing.T) {
		before, err := repo.GetTemplate(ctx, tmpl.ID)
		require.NoError(t, err)
		newProcess(t)

		after, err := repo.GetTemplate(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.Equal(t, before.ProcessCount+1, after.ProcessCount)

		all, err := repo.ListTemplates(ctx)
		require.NoError(t, err)
		for _, got := range all {
			if got.ID == tmpl.ID {
				assert.Equal(t, after.ProcessCount, got.ProcessCount)
			}
		}
	})

	t.Run("failed transaction leaves no rows", func(t *testing.T) {
		pid := uuid.NewString()
		boom := errors.New("boom")
		err := repo.InTx(ctx, func(tx Store) error {
			if err := tx.CreateProcess(ctx, &models.Process{ID: pid, TemplateID: tmpl.ID, Status: models.ProcessStatusInProgress, CreatedBy: alice.ID}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.GetProcess(ctx, pid)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("guarded transitions", func(t *testing.T) {
		p, instances := newProcess(t)
		first, second := instances[0], instances[1]
		now := time.Now().UTC()

		// a second active stage is rejected while the first is still running
		assert.Error(t, repo.StartStage(ctx, second.ID, now))

		require.NoError(t, repo.CompleteStage(ctx, first.ID, now))
		assert.ErrorIs(t, repo.CompleteStage(ctx, first.ID, now), ErrStaleState)

		require.NoError(t, repo.StartStage(ctx, second.ID, now))
		assert.ErrorIs(t, repo.StartStage(ctx, second.ID, now), ErrStaleState)

		got, err := repo.GetStageInstance(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StageStatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)

		require.NoError(t, repo.CompleteProcess(ctx, p.ID))
		assert.ErrorIs(t, repo.CompleteProcess(ctx, p.ID), ErrStaleState)
	})

	t.Run("assignee and involvement filter", func(t *testing.T) {
		p, instances := newProcess(t)
		require.NoError(t, repo.SetAssignee(ctx, instances[2].ID, &bob.ID))

		got, err := repo.GetStageInstance(ctx, instances[2].ID)
		require.NoError(t, err)
		require.NotNil(t, got.Assignee)
		assert.Equal(t, bob.ID, *got.Assignee)

		mine, err := repo.ListProcesses(ctx, ProcessFilter{InvolvingUser: bob.ID})
		require.NoError(t, err)
		assert.Contains(t, processIDs(mine), p.ID)

		require.NoError(t, repo.SetAssignee(ctx, instances[2].ID, nil))
		mine, err = repo.ListProcesses(ctx, ProcessFilter{InvolvingUser: bob.ID})
		require.NoError(t, err)
		assert.NotContains(t, processIDs(mine), p.ID)

		all, err := repo.ListProcesses(ctx, ProcessFilter{})
		require.NoError(t, err)
		assert.Contains(t, processIDs(all), p.ID)

		assert.ErrorIs(t, repo.SetAssignee(ctx, uuid.NewString(), &bob.ID), ErrNotFound)
	})

	t.Run("collaboration log is append only and ordered", func(t *testing.T) {
		p, instances := newProcess(t)
		stage := instances[0].ID
		for _, body := range []string{"first", "second", "third"} {
			require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: uuid.NewString(), StageInstanceID: stage, Author: alice.ID, Body: body}))
		}
		msgs, err := repo.ListMessages(ctx, stage)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Body)
		assert.Equal(t, "third", msgs[2].Body)

		doc := &models.Document{ID: uuid.NewString(), StageInstanceID: stage, Filename: "a.pdf", StoragePath: "process/x/a.pdf", UploadedBy: bob.ID}
		require.NoError(t, repo.CreateDocument(ctx, doc))
		gotDoc, err := repo.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, "a.pdf", gotDoc.Filename)
		docs, err := repo.ListDocuments(ctx, stage)
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		require.NoError(t, repo.AppendAudit(ctx, &models.AuditEntry{ID: uuid.NewString(), ProcessID: p.ID, Action: "one", Actor: alice.ID}))
		require.NoError(t, repo.AppendAudit(ctx, &models.AuditEntry{ID: uuid.NewString(), ProcessID: p.ID, Action: "two", Actor: alice.ID}))
		entries, err := repo.ListAudit(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "one", entries[0].Action)
		assert.Equal(t, "two", entries[1].Action)
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		p, instances := newProcess(t)
		stage := instances[0].ID
		at := time.Now().UTC().Truncate(time.Microsecond)

		// ids descend so an id tiebreak would reverse the order
		ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))
		bodies := []string{"first", "second", "third"}
		for i, id := range ids {
			require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: id, StageInstanceID: stage, Author: alice.ID, Body: bodies[i], SentAt: at}))
			require.NoError(t, repo.CreateDocument(ctx, &models.Document{ID: id, StageInstanceID: stage, Filename: bodies[i], StoragePath: "process/x/" + bodies[i], UploadedBy: bob.ID, UploadedAt: at}))
			require.NoError(t, repo.AppendAudit(ctx, &models.AuditEntry{ID: id, ProcessID: p.ID, Action: bodies[i], Actor: alice.ID, At: at}))
		}

		msgs, err := repo.ListMessages(ctx, stage)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		docs, err := repo.ListDocuments(ctx, stage)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		entries, err := repo.ListAudit(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, body := range bodies {
			assert.Equal(t, body, msgs[i].Body)
			assert.Equal(t, body, docs[i].Filename)
			assert.Equal(t, body, entries[i].Action)
		}
	})
}

func processIDs(processes []*models.Process) []string {
	ids := make([]string, 0, len(processes))
	for _, p := range processes {
		ids = append(ids, p.ID)
	}
	return ids
}
