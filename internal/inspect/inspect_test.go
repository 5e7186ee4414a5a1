package inspect

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/pkg/models"
)

func sampleView() *lifecycle.ProcessView {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	handover := created.Add(30 * time.Minute)
	alice := "alice"

	stages := []models.OrderedStage{
		{
			StageInstance: &models.StageInstance{
				ID: "si-1", ProcessID: "p-1", StageDefinitionID: "sd-1", Assignee: &alice,
				Status: models.StageStatusCompleted, StartedAt: &created, CompletedAt: &handover,
			},
			Order: 1, Name: "Paperwork",
		},
		{
			StageInstance: &models.StageInstance{
				ID: "si-2", ProcessID: "p-1", StageDefinitionID: "sd-2",
				Status: models.StageStatusInProgress, StartedAt: &handover,
			},
			Order: 2, Name: "Equipment", Description: "Laptop and badge",
		},
	}
	return &lifecycle.ProcessView{
		Process: &models.Process{
			ID: "p-1", TemplateID: "tmpl-1", Status: models.ProcessStatusInProgress,
			CreatedBy: "alice", CreatedAt: created,
		},
		Template: &models.Template{
			ID: "tmpl-1", Name: "Onboarding", Description: "New hire", CreatedBy: "alice", CreatedAt: created,
			ProcessCount: 1,
		},
		Stages:  stages,
		Current: &stages[1],
		Audit: []*models.AuditEntry{
			{ID: "a-1", ProcessID: "p-1", Action: "process created from template tmpl-1", Actor: "alice", At: created},
			{ID: "a-2", ProcessID: "p-1", Action: "stage completed", Actor: "alice", At: handover},
		},
	}
}

func TestRenderJSONGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleView(), FormatJSON))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "process_view", buf.Bytes())
}

func TestRenderAutoIsJSONOffTerminal(t *testing.T) {
	var auto, explicit bytes.Buffer
	require.NoError(t, Render(&auto, sampleView(), FormatAuto))
	require.NoError(t, Render(&explicit, sampleView(), FormatJSON))
	assert.Equal(t, explicit.String(), auto.String())
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleView(), FormatTable))
	out := buf.String()

	assert.Contains(t, out, "Process   p-1\n")
	assert.Contains(t, out, "Template  Onboarding\n")
	assert.Contains(t, out, "Created   2026-03-14 09:30 by alice\n")
	assert.Contains(t, out, "Paperwork")
	assert.Contains(t, out, "Equipment")
	assert.Contains(t, out, "2026-03-14 10:00")
	assert.Contains(t, out, "stage completed")
	assert.Contains(t, out, "►")
	assert.NotContains(t, out, "\x1b[", "no colors off a terminal")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Paperwork")), bytes.Index(buf.Bytes(), []byte("Equipment")))
}

func TestRenderCompletedHasNoMarker(t *testing.T) {
	view := sampleView()
	view.Process.Status = models.ProcessStatusCompleted
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, view, FormatTable))
	assert.NotContains(t, buf.String(), "►")
}

func TestRenderRejectsEmptyView(t *testing.T) {
	assert.Error(t, Render(&bytes.Buffer{}, nil, FormatJSON))
	assert.Error(t, Render(&bytes.Buffer{}, &lifecycle.ProcessView{}, FormatJSON))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatAuto, "AUTO": FormatAuto, "table": FormatTable, " json ": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}
