// Package ftpdflags binds the server's runtime configuration to pflag
// command-line flags, the way rclone's own subcommands register their
// option structs.
package ftpdflags

import (
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Options is the flat set of knobs the ftpuringd binary exposes.
type Options struct {
	ListenAddr string
	Root       string
	Workers    int
	RingSize   int

	PassiveAddr     string
	PassivePortLow  int
	PassivePortHigh int
}

// DefaultOptions mirrors the zero-config values a developer would reach
// for when trying the server locally.
func DefaultOptions() *Options {
	return &Options{
		ListenAddr: "0.0.0.0:2121",
		Root:       ".",
		Workers:    4,
		RingSize:   256,

		PassiveAddr:     "127.0.0.1",
		PassivePortLow:  0,
		PassivePortHigh: 0,
	}
}

// AddFlags registers o's fields on fs, following the same long-flag,
// lower-case-with-dashes naming rclone itself uses for global options.
func AddFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVar(&o.ListenAddr, "addr", o.ListenAddr, "address to listen for control connections on")
	fs.StringVar(&o.Root, "root", o.Root, "directory tree served by the file store")
	fs.IntVar(&o.Workers, "workers", o.Workers, "number of completion-queue worker goroutines")
	fs.IntVar(&o.RingSize, "ring-size", o.RingSize, "io_uring submission ring size, a power of two <= 4096")

	fs.StringVar(&o.PassiveAddr, "passive-addr", o.PassiveAddr, "address advertised to clients in PASV replies")
	fs.IntVar(&o.PassivePortLow, "passive-port-low", o.PassivePortLow, "lowest passive data port to bind (0 with high=0 means any)")
	fs.IntVar(&o.PassivePortHigh, "passive-port-high", o.PassivePortHigh, "highest passive data port to bind")
}

// ParsedAddr splits "host:port" into a 4-byte IPv4 address and a port,
// erroring on anything this server can't serve (IPv6, unresolvable host).
func ParsedAddr(hostport string) (ip [4]byte, port int, err error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ip, 0, errors.Wrap(err, "ftpdflags: invalid address")
	}
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.ParseIP(host)
	if addr == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return ip, 0, errors.Wrapf(err, "ftpdflags: cannot resolve host %q", host)
		}
		addr = resolved.IP
	}
	v4 := addr.To4()
	if v4 == nil {
		return ip, 0, errors.Errorf("ftpdflags: %q is not an IPv4 address", host)
	}
	copy(ip[:], v4)

	p, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return ip, 0, errors.Wrapf(err, "ftpdflags: invalid port %q", portStr)
	}
	return ip, p, nil
}

// ToServerConfig validates o and resolves it into the address forms the
// server construction path needs.
func (o *Options) ToServerConfig() (listenIP [4]byte, listenPort int, passiveIP [4]byte, err error) {
	listenIP, listenPort, err = ParsedAddr(o.ListenAddr)
	if err != nil {
		return
	}
	passiveIP, _, err = ParsedAddr(o.PassiveAddr + ":0")
	if err != nil {
		return
	}
	if o.PassivePortLow > o.PassivePortHigh && o.PassivePortHigh != 0 {
		err = errors.Errorf("ftpdflags: passive-port-low (%d) > passive-port-high (%d)", o.PassivePortLow, o.PassivePortHigh)
	}
	return
}
