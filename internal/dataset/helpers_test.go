package dataset

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/born-ml/neuroscan/internal/imageio/imagetest"
)

var testClasses = []string{"Mild Dementia", "Moderate Dementia", "Non Demented", "Very mild Dementia"}

// makeTree writes perClass small PNGs into one directory per class and
// returns the root.
func makeTree(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for ci, class := range testClasses {
		for i := 0; i < perClass; i++ {
			name := fmt.Sprintf("slice_%03d.png", i)
			imagetest.WritePNG(t, filepath.Join(root, class, name), 12, 10, uint8(40*ci+i%8))
		}
	}
	return root
}
