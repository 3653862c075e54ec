package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/explain-cli/internal/model"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
defaults:
  literacy_level: grade_8
  short_comment: true
  tone: 3
  clinical_context: "Follow-up after chest pain"
items:
  - file: reports/echo.pdf
    label: Echo 2024
    template_id: 7
  - file: /data/labs.txt
    short_comment: false
    literacy_level: clinical
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "reports", "echo.pdf"), m.Path(0))
	assert.Equal(t, "/data/labs.txt", m.Path(1))

	var loaded []string
	loader := func(_ context.Context, p string) (*model.Extraction, error) {
		loaded = append(loaded, p)
		return &model.Extraction{FullText: "text of " + filepath.Base(p), Filename: filepath.Base(p)}, nil
	}

	items, err := m.BatchItems(context.Background(), loader)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []string{m.Path(0), m.Path(1)}, loaded)

	echo := items[0]
	assert.Equal(t, "1", echo.Key)
	assert.Equal(t, "echo.pdf", echo.Filename)
	assert.Equal(t, "Echo 2024", echo.DisplayLabel())
	assert.Equal(t, model.LiteracyGrade8, echo.Request.LiteracyLevel)
	assert.True(t, echo.Request.ShortComment)
	assert.Equal(t, 3, echo.Request.Tone)
	require.NotNil(t, echo.Request.TemplateID)
	assert.Equal(t, 7, *echo.Request.TemplateID)
	assert.Equal(t, "Follow-up after chest pain", echo.Request.ClinicalContext)

	labs := items[1]
	assert.Equal(t, "labs.txt", labs.DisplayLabel())
	assert.False(t, labs.Request.ShortComment)
	assert.Equal(t, model.LiteracyClinical, labs.Request.LiteracyLevel)
	assert.Nil(t, labs.Request.TemplateID)
}

func TestLoadManifest_Errors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadManifest(writeManifest(t, "items: [unclosed"))
	assert.Error(t, err)

	_, err = LoadManifest(writeManifest(t, "defaults:\n  tone: 2\n"))
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = LoadManifest(writeManifest(t, "items:\n  - label: no file\n"))
	assert.ErrorContains(t, err, "has no file")
}

func TestManifest_BatchItemsLoaderError(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, "items:\n  - file: a.pdf\n"))
	require.NoError(t, err)

	_, err = m.BatchItems(context.Background(), func(context.Context, string) (*model.Extraction, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}
