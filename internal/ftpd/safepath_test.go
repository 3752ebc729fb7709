package ftpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSafePathRejectsRootEscape and friends check that no path resolution
// can escape the store root or reach into the reserved .tmp namespace.
func TestSafePathRejectsRootEscape(t *testing.T) {
	_, err := SafePath("", "../..")
	assert.ErrorIs(t, err, ErrIllegalPath)
}

func TestSafePathRejectsTmpTraversal(t *testing.T) {
	_, err := SafePath("", "foo/.tmp")
	assert.ErrorIs(t, err, ErrIllegalPath)

	_, err = SafePath("", ".tmp/x")
	assert.ErrorIs(t, err, ErrIllegalPath)
}

func TestSafePathNormalizesDotSegments(t *testing.T) {
	got, err := SafePath("a/b", "./c")
	assert.NoError(t, err)
	assert.Equal(t, "a/b/c", got)
}

func TestSafePathHandlesDotDotWithinRoot(t *testing.T) {
	got, err := SafePath("a/b", "../c")
	assert.NoError(t, err)
	assert.Equal(t, "a/c", got)
}

func TestSafePathRootAnchoredReplacesPwd(t *testing.T) {
	got, err := SafePath("deep/dir", "/top")
	assert.NoError(t, err)
	assert.Equal(t, "top", got)
}

func TestSafePathEmptyArgReturnsPwd(t *testing.T) {
	got, err := SafePath("a/b", "")
	assert.NoError(t, err)
	assert.Equal(t, "a/b", got)
}

func TestSafePathNeverEscapesRootForAnyDotDotChain(t *testing.T) {
	chains := []string{"..", "../..", "../../..", "a/../../..", "../a/../.."}
	for _, c := range chains {
		_, err := SafePath("", c)
		assert.ErrorIsf(t, err, ErrIllegalPath, "chain %q should be rejected", c)
	}
}
