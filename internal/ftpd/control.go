package ftpd

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/conntree"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/filestore"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

var log = logrus.WithField("component", "ftpd")

// maxCommandLine bounds how far ReadUntil will grow its accumulation
// buffer before giving up on finding CRLF.
const maxCommandLine = 4096

// ControlConn is the D component: one per accepted client, driving the
// login/command state machine over the control socket.
type ControlConn struct {
	base  *conntree.Base
	store *filestore.FileStore
	root  string

	// passiveIP is the address advertised in PASV replies; passiveLow/High
	// bound the port scanned for a free passive listener (both zero means
	// let the kernel pick an ephemeral port, matching the system this was
	// modeled on).
	passiveIP   [4]byte
	passiveLow  int
	passiveHigh int

	sess *Session
	cmd  []byte // accumulated, not-yet-consumed bytes from the control socket

	log *logrus.Entry
}

// NewControlConn constructs a not-yet-started control node; the caller
// (Server) adopts its fd via Base().EnqueueChild.
func NewControlConn(engine *ioengine.Engine, store *filestore.FileStore, root string, passiveIP [4]byte, passiveLow, passiveHigh int) *ControlConn {
	c := &ControlConn{
		base:        conntree.NewBase(engine, -1),
		store:       store,
		root:        root,
		passiveIP:   passiveIP,
		passiveLow:  passiveLow,
		passiveHigh: passiveHigh,
		sess:        NewSession(),
		cmd:         make([]byte, 0, maxCommandLine),
	}
	c.log = log.WithField("fd", c.base.FD())
	return c
}

func (c *ControlConn) Base() *conntree.Base { return c.base }

// Act sends the three-line greeting then starts the command loop.
func (c *ControlConn) Act() {
	greeting := []byte(greetingLine1 + greetingLine2 + greetingLine3)
	c.base.Engine.Write(c.base.FD(), greeting, 0, func(n int) {
		if n < 0 {
			c.base.Stop(c)
			return
		}
		c.readNextCommand()
	})
}

// crlfPredicate returns the match length (including CRLF) of the first
// "\r\n" in buf, or -1 if none is present yet.
func crlfPredicate(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n")); i >= 0 {
		return i + 2
	}
	return -1
}

func (c *ControlConn) readNextCommand() {
	fd := c.base.FD()
	if fd < 0 {
		return
	}
	c.base.Engine.ReadUntil(fd, c.cmd, crlfPredicate, 0, func(matchLen int) {
		if matchLen < 0 {
			c.base.Stop(c)
			return
		}
		// ReadUntil writes into c.cmd's backing array in place but only
		// ever hands the continuation a length, so reconstruct the full
		// accumulated slice from that same backing array rather than
		// from c.cmd's (unchanged) slice header.
		full := c.cmd[:cap(c.cmd)][:matchLen]
		if crlfPredicate(full) < 0 {
			c.log.Warn("ftpd: command line exceeded buffer without CRLF")
			c.base.Stop(c)
			return
		}
		line := string(full[:matchLen-2]) // strip CRLF
		c.cmd = c.cmd[:0]
		c.dispatch(line)
	})
}

// parseCommandLine splits one already-CRLF-stripped line into its verb
// (upper-cased, for case-insensitive matching against commandTable) and
// argument.
func parseCommandLine(line string) (verb, arg string) {
	verb, arg = line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, arg = line[:i], line[i+1:]
	}
	return strings.ToUpper(verb), arg
}

// dispatch looks up and invokes the handler for line's verb.
func (c *ControlConn) dispatch(line string) {
	verb, arg := parseCommandLine(line)
	h, ok := commandTable[verb]
	if !ok {
		c.sendReply(replyUnknownCommand)
		return
	}
	h(c, arg)
}

// sendReply writes text (already CRLF-terminated by reply()) and, once
// acknowledged, re-issues the next command read — unless the handler
// itself takes over the continuation (QUIT, and the three data commands
// while the 150/250 pair is outstanding).
func (c *ControlConn) sendReply(line string) {
	c.writeReply(line, func() { c.readNextCommand() })
}

// writeReply writes line to the control socket and invokes onDone once the
// write completes successfully; on failure the connection is torn down.
func (c *ControlConn) writeReply(line string, onDone func()) {
	fd := c.base.FD()
	if fd < 0 {
		return
	}
	buf := []byte(line)
	c.base.Engine.Write(fd, buf, 0, func(n int) {
		if n < 0 {
			c.base.Stop(c)
			return
		}
		onDone()
	})
}

// makePasv opens a fresh passive listener, replacing any previous one for
// this session, replies 227 with the H1-H4,P1,P2 encoded address, and
// registers a DataConn that will accept the next connection on it.
func (c *ControlConn) makePasv() {
	if c.sess.Pasv != nil {
		unix.Close(c.sess.Pasv.ListenFD)
		c.sess.Pasv = nil
	}

	listenFD, port, err := c.bindPassiveListener()
	if err != nil {
		c.log.WithError(err).Warn("ftpd: failed to open passive listener")
		c.sendReply(replyCmdUnavailable)
		return
	}

	dc := NewDataConn(c.base.Engine, c.store)
	c.sess.Pasv = &PasvContext{ListenFD: listenFD, Port: port, DataConn: dc}

	text := encodePasvReply(c.passiveIP, port)
	c.writeReply(text, func() {
		c.base.EnqueueListener(c, listenFD, dc)
		c.readNextCommand()
	})
}

// encodePasvReply renders the 227 reply body as H1,H2,H3,H4,P1,P2.
func encodePasvReply(ip [4]byte, port int) string {
	p1, p2 := byte(port>>8), byte(port&0xFF)
	return fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).\r\n",
		ip[0], ip[1], ip[2], ip[3], p1, p2)
}

// bindPassiveListener binds a TCP listening socket in [passiveLow,
// passiveHigh] (or an OS-chosen ephemeral port when both are zero) and
// returns its fd and the port actually bound.
func (c *ControlConn) bindPassiveListener() (fd int, port int, err error) {
	low, high := c.passiveLow, c.passiveHigh
	if low == 0 && high == 0 {
		return bindOnePassivePort(0)
	}
	for p := low; p <= high; p++ {
		fd, err = bindAndListen(p)
		if err == nil {
			return fd, p, nil
		}
	}
	return -1, 0, err
}

func bindOnePassivePort(p int) (int, int, error) {
	fd, err := bindAndListen(p)
	if err != nil {
		return -1, 0, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, errNotInet4
	}
	return fd, addr.Port, nil
}

func bindAndListen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 20); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// dispatchDataCommand resolves arg to a safe store path (defaulting empty
// LIST args to PWD), checks there is a live PASV listener, and hands the
// path to its DataConn.
func (c *ControlConn) dispatchDataCommand(dir TransferDirection, arg string) {
	if !requireLogin(c) {
		return
	}
	if c.sess.Pasv == nil || c.sess.Pasv.DataConn == nil {
		c.sendReply(replyNoPassiveYet)
		return
	}

	pathArg := arg
	if pathArg == "" && dir == Lister {
		pathArg = "."
	}
	target, err := SafePath(c.sess.PWD, pathArg)
	if err != nil {
		c.sendReply(replyIllegalPathData)
		return
	}

	if dir != Lister {
		fi, statErr := c.store.Stat(target)
		if dir == Sender {
			if statErr != nil {
				c.sendReply(replyNoSuchFileData)
				return
			}
			if fi.IsDir() {
				c.sendReply(replyIsADirectory)
				return
			}
		}
	}

	physical := target
	if dir == Lister {
		physical = c.store.PhysicalPath(target)
	}

	dc := c.sess.Pasv.DataConn
	repType := c.sess.Type
	c.writeReply(replyOpenedData, func() {
		c.readNextCommand()
		dc.Command(dir, physical, repType, func() {
			c.writeReply(reply(250, "Operation successful"), func() {})
		})
	})
}

var errNotInet4 = fmt.Errorf("ftpd: expected an IPv4 socket address")
