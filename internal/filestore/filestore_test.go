package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// rawWrite/rawReadAll touch the fd the way the production engine does: via
// raw syscalls on the integer fd, never through a second *os.File (which
// would finalize-close the same fd number out from under the store).

func rawWrite(t *testing.T, fd int, s string) {
	t.Helper()
	n, err := unix.Write(fd, []byte(s))
	require.NoError(t, err)
	require.Equal(t, len(s), n)
}

func rawReadAll(t *testing.T, fd int) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return string(out)
}

func mustStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	return s, root
}

func writeFile(t *testing.T, s *FileStore, logical string, content string) {
	t.Helper()
	fd, err := s.Open(logical, WriteOnly)
	require.NoError(t, err)
	rawWrite(t, fd, content)
	require.NoError(t, s.Close(fd))
}

func readFile(t *testing.T, s *FileStore, logical string) string {
	t.Helper()
	fd, err := s.Open(logical, ReadOnly)
	require.NoError(t, err)
	got := rawReadAll(t, fd)
	require.NoError(t, s.Close(fd))
	return got
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	s, root := mustStore(t)
	writeFile(t, s, "hello.txt", "Hi\n")
	assert.Equal(t, "Hi\n", readFile(t, s, "hello.txt"))

	require.NoError(t, s.Shutdown())
	b, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hi\n", string(b))

	_, err = os.Stat(filepath.Join(root, tmpDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestReadNonexistentReturnsNotExist(t *testing.T) {
	s, _ := mustStore(t)
	_, err := s.Open("nope.txt", ReadOnly)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestReaderSeesConsistentSnapshotDuringOverwrite checks that a reader
// opened before a concurrent STOR-equivalent completes keeps observing
// the pre-write bytes in full, and that the old version is reclaimed only
// once the reader closes.
func TestReaderSeesConsistentSnapshotDuringOverwrite(t *testing.T) {
	s, _ := mustStore(t)
	writeFile(t, s, "v.txt", "version-one")

	readFD, err := s.Open("v.txt", ReadOnly)
	require.NoError(t, err)

	writeFile(t, s, "v.txt", "version-two")

	// The reader's fd still refers to the old inode/content.
	assert.Equal(t, "version-one", rawReadAll(t, readFD))

	versionsBeforeClose := len(s.versions["v.txt"])
	require.NoError(t, s.Close(readFD))
	// Closing the stale reader reclaims the superseded version.
	assert.LessOrEqual(t, len(s.versions["v.txt"]), versionsBeforeClose)

	assert.Equal(t, "version-two", readFile(t, s, "v.txt"))
}

func TestNoOrphanAfterSequentialWrites(t *testing.T) {
	s, root := mustStore(t)
	for i := 0; i < 5; i++ {
		writeFile(t, s, "many.txt", "content")
	}
	require.NoError(t, s.Shutdown())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	assert.Equal(t, []string{"many.txt"}, files)

	_, err = os.Stat(filepath.Join(root, tmpDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadPicksUpPreexistingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("preexisting"), 0666))

	s, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, "preexisting", readFile(t, s, "sub/a.txt"))
}
