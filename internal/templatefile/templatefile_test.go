package templatefile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/repository"
)

func TestLoad(t *testing.T) {
	templates, err := Load(filepath.Join("testdata", "templates.yaml"))
	require.NoError(t, err)
	require.Len(t, templates, 2)

	assert.Equal(t, "Onboarding", templates[0].Name)
	require.Len(t, templates[0].Stages, 3)
	assert.Equal(t, "Collect Docs", templates[0].Stages[0].Name)
	assert.Equal(t, "Contract, ID and bank details", templates[0].Stages[0].Description)
	assert.Len(t, templates[1].Stages, 4)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("templates:\n  - name: X\n    stagez: []\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("templates:\n  - description: nameless\n"))
	assert.ErrorContains(t, err, "name is required")

	templates, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestImport_SkipsExistingNames(t *testing.T) {
	ctx := context.Background()
	engine := lifecycle.New(repository.NewMemoryRepository())
	templates, err := Load(filepath.Join("testdata", "templates.yaml"))
	require.NoError(t, err)

	res, err := Import(ctx, engine, "seed", templates)
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Skipped)

	res, err = Import(ctx, engine, "seed", templates)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"Onboarding", "Purchase Request"}, res.Skipped)

	all, err := engine.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 3, len(all[0].Stages))
}
