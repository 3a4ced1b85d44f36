package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/imageio/imagetest"
)

func TestDiscoverSplit(t *testing.T) {
	root := makeTree(t, 10)
	// Noise that must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, testClasses[0], "notes.txt"), []byte("x"), 0o644))

	ix, err := Discover(root, 0.2)
	require.NoError(t, err)

	assert.Equal(t, testClasses, ix.Classes)
	assert.Len(t, ix.Train, 32)
	assert.Len(t, ix.Validation, 8)
	for _, c := range ix.Counts {
		assert.Equal(t, ClassSplit{Train: 8, Validation: 2}, c)
	}

	seen := map[string]bool{}
	for _, s := range append(append([]Sample{}, ix.Train...), ix.Validation...) {
		assert.False(t, seen[s.Path], "duplicate %s", s.Path)
		seen[s.Path] = true
	}
	assert.Len(t, seen, 40)

	// The validation subset is the first files of each class by name.
	assert.Equal(t, filepath.Join(root, testClasses[0], "slice_000.png"), ix.Validation[0].Path)
	assert.Equal(t, filepath.Join(root, testClasses[0], "slice_001.png"), ix.Validation[1].Path)
	assert.Equal(t, 0, ix.Validation[0].Label)
	assert.Equal(t, filepath.Join(root, testClasses[3], "slice_009.png"), ix.Train[len(ix.Train)-1].Path)
	assert.Equal(t, 3, ix.Train[len(ix.Train)-1].Label)
}

func TestDiscoverSplitPerClass(t *testing.T) {
	tests := []struct {
		n          int
		validation int
	}{
		{1, 0},
		{4, 0},
		{5, 1},
		{9, 1},
		{10, 2},
		{99, 19},
		{100, 20},
	}
	for _, tt := range tests {
		root := t.TempDir()
		for i := 0; i < tt.n; i++ {
			imagetest.WritePNG(t, filepath.Join(root, "a", filepathName(i)), 4, 4, 0)
		}
		ix, err := Discover(root, 0.2)
		require.NoError(t, err)
		assert.Len(t, ix.Validation, tt.validation, "n=%d", tt.n)
		assert.Len(t, ix.Train, tt.n-tt.validation, "n=%d", tt.n)
	}
}

func filepathName(i int) string {
	return string(rune('a'+i/26%26)) + string(rune('a'+i%26)) + ".png"
}

func TestDiscoverErrors(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "classA"), 0o755))

	bare := filepath.Join(dir, "bare")
	require.NoError(t, os.MkdirAll(bare, 0o755))

	tests := []struct {
		name string
		root string
		want error
	}{
		{"missing", filepath.Join(dir, "nope"), ErrRootMissing},
		{"file", file, ErrNotDirectory},
		{"no classes", bare, ErrNoClasses},
		{"no images", empty, ErrNoImages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Discover(tt.root, 0.2)
			var derr *Error
			require.ErrorAs(t, err, &derr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDiscoverNested(t *testing.T) {
	root := t.TempDir()
	imagetest.WritePNG(t, filepath.Join(root, "a", "x.png"), 4, 4, 0)
	imagetest.WritePNG(t, filepath.Join(root, "a", "deeper", "y.png"), 4, 4, 0)
	imagetest.WritePNG(t, filepath.Join(root, "a", ".cache", "z.png"), 4, 4, 0)

	ix, err := Discover(root, 0.2)
	require.NoError(t, err)
	assert.Len(t, ix.Train, 2)
}
