package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/imageio/imagetest"
)

func TestScan(t *testing.T) {
	root := makeTree(t, 3)
	bad := filepath.Join(root, testClasses[1], "broken.jpg")
	imagetest.WriteGarbage(t, bad)

	report, err := Scan(context.Background(), root, ScanOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 12, report.Total())
	assert.Equal(t, []string{bad}, report.Unreadable)
	assert.Empty(t, report.Removed)
	for _, c := range report.Classes {
		assert.Equal(t, 3, c.Images, c.Name)
	}
	assert.FileExists(t, bad)
}

func TestScanRemove(t *testing.T) {
	root := makeTree(t, 2)
	bad := filepath.Join(root, testClasses[0], "broken.png")
	imagetest.WriteGarbage(t, bad)

	report, err := Scan(context.Background(), root, ScanOptions{Remove: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{bad}, report.Removed)

	_, err = os.Stat(bad)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "none"), ScanOptions{}, nil)
	assert.ErrorIs(t, err, ErrRootMissing)
}
