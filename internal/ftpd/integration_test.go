package ftpd_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/filestore"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ftpd"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

// TestEndToEndStorRetrList drives the full stack (engine, file store, and
// the control/data protocol) through a real client library: log in, STOR a
// file, RETR it back, LIST the directory.
func TestEndToEndStorRetrList(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.New(root)
	require.NoError(t, err)

	engine, err := ioengine.New(64)
	require.NoError(t, err)
	defer engine.Close()

	srv, err := ftpd.NewServer(engine, store, ftpd.Config{
		ListenIP:   [4]byte{127, 0, 0, 1},
		ListenPort: 0,
		Root:       root,
		PassiveIP:  [4]byte{127, 0, 0, 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, 2)
	srv.Start()
	defer srv.Shutdown()

	addr := listenerAddr(t, srv)

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Quit()

	require.NoError(t, c.Login("anonymous", "anonymous"))

	content := "hello from the end to end test\n"
	require.NoError(t, c.Stor("greeting.txt", stringReader(content)))

	r, err := c.Retr("greeting.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	require.Equal(t, content, string(got))

	entries, err := c.List("")
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Name == "greeting.txt" {
			found = true
		}
	}
	require.True(t, found, "greeting.txt should appear in the directory listing")
}

func listenerAddr(t *testing.T, srv *ftpd.Server) string {
	t.Helper()
	fd := srv.Base().FD()
	require.GreaterOrEqual(t, fd, 0)
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
}

func stringReader(s string) io.Reader {
	return &stringsReaderShim{s: s}
}

type stringsReaderShim struct {
	s   string
	pos int
}

func (r *stringsReaderShim) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
