package ftpd

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/conntree"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/filestore"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

// Config carries the settings NewServer needs beyond the engine and store.
type Config struct {
	// ListenIP and ListenPort name the control-channel listening address.
	ListenIP   [4]byte
	ListenPort int

	// Root is the directory the file store serves.
	Root string

	// PassiveIP is advertised in PASV replies (typically the server's
	// public or container-visible address, which may differ from
	// ListenIP behind NAT).
	PassiveIP [4]byte

	// PassivePortLow/High bound the port scanned for passive data
	// listeners; both zero lets the kernel assign an ephemeral port.
	PassivePortLow  int
	PassivePortHigh int
}

// Server is the root connection-tree node: it owns the listening socket,
// the file store, and spawns a ControlConn for every accepted client.
type Server struct {
	base   *conntree.Base
	store  *filestore.FileStore
	config Config
}

// NewServer binds the control-channel listening socket and constructs the
// server node, but does not start accepting yet — call Start.
func NewServer(engine *ioengine.Engine, store *filestore.FileStore, config Config) (*Server, error) {
	fd, err := bindAndListenAddr(config.ListenIP, config.ListenPort)
	if err != nil {
		return nil, errors.Wrap(err, "ftpd: failed to bind listening socket")
	}
	return &Server{
		base:   conntree.NewBase(engine, fd),
		store:  store,
		config: config,
	}, nil
}

func (s *Server) Base() *conntree.Base { return s.base }

// Act is the listener's own per-accept behavior; Start below drives the
// repeating accept loop, so Act is never invoked directly on the server
// node itself (it has no parent to notify it of an accept).
func (s *Server) Act() {}

// Start begins accepting client connections, spawning one ControlConn per
// accepted socket, for as long as the server's listening fd is live.
func (s *Server) Start() {
	s.acceptOne()
}

func (s *Server) acceptOne() {
	fd := s.base.FD()
	if fd < 0 {
		return
	}
	err := s.base.Engine.Accept(fd, func(res int) {
		if res < 0 {
			log.Warn("ftpd: listener accept failed, stopping server")
			s.base.Stop(s)
			return
		}
		child := NewControlConn(s.base.Engine, s.store, s.config.Root,
			s.config.PassiveIP, s.config.PassivePortLow, s.config.PassivePortHigh)
		s.base.EnqueueChild(s, res, child)
		s.acceptOne()
	})
	if err != nil {
		log.WithError(err).Warn("ftpd: accept submission failed")
	}
}

// Shutdown stops every connection in the tree and reconciles the file
// store.
func (s *Server) Shutdown() error {
	s.base.Stop(s)
	return s.store.Shutdown()
}

func bindAndListenAddr(ip [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
