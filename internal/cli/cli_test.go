package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWorkflowFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "promo",
		"nodes": [{"id": "A", "type": "imageGen", "data": {"prompt": "cat"}}, {"id": "B", "type": "videoGen"}],
		"edges": [{"source": "A", "target": "B"}]
	}`), 0o600))

	wf, err := readWorkflowFile(path)
	require.NoError(t, err)
	assert.Equal(t, "promo", wf.Name)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, models.ImageGenNodeType, wf.Nodes[0].Type)
	assert.Equal(t, "cat", wf.Nodes[0].Data["prompt"])
	assert.Equal(t, []models.Edge{{Source: "A", Target: "B"}}, wf.Edges)

	_, err = readWorkflowFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":`), 0o600))
	_, err = readWorkflowFile(bad)
	assert.Error(t, err)
}

func TestSetupCLI(t *testing.T) {
	root := &cobra.Command{Use: "genflow"}
	SetupCLI(root)
	for _, path := range [][]string{
		{"serve"}, {"run"}, {"status"}, {"cancel"}, {"recover"}, {"stats"},
		{"dlq", "list"}, {"dlq", "retry"}, {"workflow", "import"}, {"workflow", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
