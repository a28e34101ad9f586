package analyze

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProducesPerColumnSummary(t *testing.T) {
	dir := t.TempDir()
	blockPath := filepath.Join(dir, "alogs_block1.csv")
	content := "value,label\n1,a\n2,b\n3,a\n"
	require.NoError(t, os.WriteFile(blockPath, []byte(content), 0644))

	resultPath, err := Run(blockPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alogs_block1_analysis.txt"), resultPath)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "value: count=3 min=1 max=3 mean=2")
	assert.Contains(t, report, "label: count=3 distinct=2 (non-numeric)")
}

func TestRunMissingFile(t *testing.T) {
	_, err := Run(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
