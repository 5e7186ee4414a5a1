package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

func TestCreateProcess_InstancesFollowTemplateOrder(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d stages", n), func(t *testing.T) {
			f := newFixture(t)
			names := make([]string, n)
			for i := range names {
				names[i] = fmt.Sprintf("stage %d", i+1)
			}
			tmpl := f.template(t, "T", names...)
			pid, err := f.engine.CreateProcess(context.Background(), CreateProcessInput{
				TemplateID: tmpl.ID, CreatorID: "alice", FirstAssignee: ptr("bob"),
			})
			require.NoError(t, err)

			stages := f.stages(t, pid)
			require.Len(t, stages, n)
			for i, s := range stages {
				assert.Equal(t, i+1, s.Order)
				assert.Equal(t, names[i], s.Name)
				if i == 0 {
					assert.Equal(t, models.StageStatusInProgress, s.Status)
					assert.Equal(t, testNow, *s.StartedAt)
					assert.True(t, s.IsAssignedTo("bob"))
					continue
				}
				assert.Equal(t, models.StageStatusPending, s.Status)
				assert.Nil(t, s.StartedAt)
				assert.Nil(t, s.Assignee)
			}
			assert.Equal(t, models.ProcessStatusInProgress, f.status(t, pid))

			events := f.events.take()
			require.Len(t, events, n+1)
			assert.Equal(t, notify.EntityProcess, events[0].Entity)
			for _, evt := range events {
				assert.Equal(t, notify.ChangeInsert, evt.ChangeKind)
				assert.Equal(t, pid, evt.ProcessID)
			}
		})
	}
}

func TestCreateProcess_EmptyTemplateWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tmpl := f.template(t, "Empty", "  ", "")
	require.Empty(t, tmpl.Stages)

	_, err := f.engine.CreateProcess(ctx, CreateProcessInput{
		TemplateID:         tmpl.ID,
		CreatorID:          "alice",
		InitialMessage:     "hello",
		InitialAttachments: []Attachment{attachment("a.txt", "x")},
	})
	require.ErrorIs(t, err, ErrEmptyTemplate)

	processes, err := f.repo.ListProcesses(ctx, repository.ProcessFilter{})
	require.NoError(t, err)
	assert.Empty(t, processes)
	assert.Zero(t, f.blobs.count())
	assert.Empty(t, f.events.take())
}

func TestCreateProcess_UnknownTemplate(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateProcess(context.Background(), CreateProcessInput{TemplateID: "nope", CreatorID: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateProcess_RequiresCreatorAndTemplate(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateProcess(context.Background(), CreateProcessInput{CreatorID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.engine.CreateProcess(context.Background(), CreateProcessInput{TemplateID: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateProcess_UnknownAssigneeRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tmpl := f.template(t, "T", "one")

	_, err := f.engine.CreateProcess(ctx, CreateProcessInput{
		TemplateID:         tmpl.ID,
		CreatorID:          "alice",
		FirstAssignee:      ptr("ghost"),
		InitialAttachments: []Attachment{attachment("a.txt", "x")},
	})
	require.ErrorIs(t, err, ErrNotFound)

	processes, err := f.repo.ListProcesses(ctx, repository.ProcessFilter{})
	require.NoError(t, err)
	assert.Empty(t, processes)
	assert.Zero(t, f.blobs.count(), "uploaded blob should be removed after rollback")
	assert.Len(t, f.blobs.deleted, 1)
}

func TestCreateProcess_InitialMessageAndAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tmpl := f.template(t, "T", "one", "two")

	pid, err := f.engine.CreateProcess(ctx, CreateProcessInput{
		TemplateID:     tmpl.ID,
		CreatorID:      "alice",
		FirstAssignee:  ptr("alice"),
		InitialMessage: "  please review  ",
		InitialAttachments: []Attachment{
			attachment("Relatório final.pdf", "pdf"),
			attachment("Relatório final.pdf", "second copy"),
		},
	})
	require.NoError(t, err)

	first := f.stages(t, pid)[0]
	messages, err := f.engine.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "please review", messages[0].Body)
	assert.Equal(t, "alice", messages[0].Author)

	docs, err := f.engine.ListDocuments(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	prefix := fmt.Sprintf("process/%s/stage/%s/%d-", pid, first.ID, testNow.UnixMilli())
	for _, d := range docs {
		assert.Equal(t, "Relatório final.pdf", d.Filename)
		assert.True(t, strings.HasPrefix(d.StoragePath, prefix), d.StoragePath)
		assert.True(t, strings.HasSuffix(d.StoragePath, "Relatorio_final.pdf"), d.StoragePath)
		assert.NoError(t, f.blobs.Stat(ctx, d.StoragePath))
	}
	assert.NotEqual(t, docs[0].StoragePath, docs[1].StoragePath)

	second := f.stages(t, pid)[1]
	messages, err = f.engine.ListMessages(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestCreateProcess_UploadFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tmpl := f.template(t, "T", "one")
	f.blobs.failPut["broken.bin"] = errors.New("connection reset")

	_, err := f.engine.CreateProcess(ctx, CreateProcessInput{
		TemplateID:     tmpl.ID,
		CreatorID:      "alice",
		InitialMessage: "hi",
		InitialAttachments: []Attachment{
			attachment("ok.txt", "fine"),
			attachment("broken.bin", "boom"),
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))

	processes, err := f.repo.ListProcesses(ctx, repository.ProcessFilter{})
	require.NoError(t, err)
	assert.Empty(t, processes)
	assert.Zero(t, f.blobs.count())
	assert.Empty(t, f.events.take())
}

func TestCreateProcess_MissingBucket(t *testing.T) {
	f := newFixture(t)
	tmpl := f.template(t, "T", "one")
	f.blobs.missingBucket = true

	_, err := f.engine.CreateProcess(context.Background(), CreateProcessInput{
		TemplateID:         tmpl.ID,
		CreatorID:          "alice",
		InitialAttachments: []Attachment{attachment("a.txt", "x")},
	})
	assert.ErrorIs(t, err, ErrBlobConfiguration)
}

func TestCreateTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tmpl, err := f.engine.CreateTemplate(ctx, "  Purchase  ", " buying ", "alice", []StageInput{
		{Name: " Request "}, {Name: "   "}, {Name: "Approve", Description: " manager "}, {Name: "Pay"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Purchase", tmpl.Name)
	assert.Equal(t, "buying", tmpl.Description)

	got, err := f.engine.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 3)
	for i, want := range []string{"Request", "Approve", "Pay"} {
		assert.Equal(t, want, got.Stages[i].Name)
		assert.Equal(t, i+1, got.Stages[i].Order)
	}
	assert.Equal(t, "manager", got.Stages[1].Description)

	_, err = f.engine.CreateTemplate(ctx, " ", "", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.template(t, "Another", "x")
	all, err := f.engine.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Another", all[0].Name)
	assert.Equal(t, "Purchase", all[1].Name)

	_, err = f.engine.GetTemplate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, err := f.engine.CreateTemplate(ctx, "Purchase", "buying", "alice", []StageInput{
		{Name: "Request"}, {Name: "Approve", Description: "manager"}, {Name: "Pay"},
	})
	require.NoError(t, err)
	f.process(t, src, "alice")

	dup, err := f.engine.DuplicateTemplate(ctx, src.ID, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "Purchase (copy)", dup.Name)
	assert.Equal(t, "buying", dup.Description)
	assert.Equal(t, "bob", dup.CreatedBy)

	got, err := f.engine.GetTemplate(ctx, dup.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 3)
	for i, want := range src.Stages {
		assert.NotEqual(t, want.ID, got.Stages[i].ID)
		assert.Equal(t, dup.ID, got.Stages[i].TemplateID)
		assert.Equal(t, want.Order, got.Stages[i].Order)
		assert.Equal(t, want.Name, got.Stages[i].Name)
		assert.Equal(t, want.Description, got.Stages[i].Description)
	}
	assert.Zero(t, got.ProcessCount, "processes stay with the original")

	_, err = f.engine.DuplicateTemplate(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.DuplicateTemplate(ctx, src.ID, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	all, err := f.engine.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTemplateProcessCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	used := f.template(t, "Used", "a")
	unused := f.template(t, "Unused", "a")
	f.process(t, used, "alice")
	f.process(t, used, "bob")

	got, err := f.engine.GetTemplate(ctx, used.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessCount)

	all, err := f.engine.ListTemplates(ctx)
	require.NoError(t, err)
	counts := make(map[string]int, len(all))
	for _, tmpl := range all {
		counts[tmpl.ID] = tmpl.ProcessCount
	}
	assert.Equal(t, map[string]int{used.ID: 2, unused.ID: 0}, counts)
}
