package ftpd

import (
	"bytes"
	"os"
	"os/exec"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/conntree"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/filestore"
	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

// TransferDirection selects which side of a DataConn reads and which side
// writes.
type TransferDirection int

const (
	// Sender streams a store file to the data socket (RETR).
	Sender TransferDirection = iota
	// Receiver streams the data socket into a store file (STOR).
	Receiver
	// Lister streams the stdout of a directory-listing subprocess to the
	// data socket (LIST).
	Lister
)

// dataBufSize is the fixed transfer buffer size used for every data-channel
// read/write step.
const dataBufSize = 500

// DataConn is the E component: the data channel spawned by RETR/STOR/LIST,
// transferring bytes between the data socket and either a file-store
// handle or a listing subprocess.
type DataConn struct {
	base  *conntree.Base
	store *filestore.FileStore

	dir      TransferDirection
	repType  RepresentationType
	fileFD   int
	lsCmd    *exec.Cmd
	lsRead   *os.File // kept alive only so its finalizer doesn't race fileFD; never read through directly
	bytesXfr int64

	onEnd func()
}

// NewDataConn constructs a not-yet-started data node; the caller hands it
// the PASV listening fd via EnqueueListener, which accepts one connection
// onto it.
func NewDataConn(engine *ioengine.Engine, store *filestore.FileStore) *DataConn {
	return &DataConn{
		base:   conntree.NewBase(engine, -1),
		store:  store,
		fileFD: -1,
	}
}

func (d *DataConn) Base() *conntree.Base { return d.base }

// Act is a no-op: the transfer is driven by Command, called once the
// caller has decided what this connection will do. The PASV listener
// accepts before the controlling command names its path.
func (d *DataConn) Act() {}

// Command starts a transfer: path is the already-safe-path-checked logical
// store path for Sender/Receiver, or the on-disk directory path for Lister;
// repType gates ASCII<->Image translation, and onEnd is invoked once the
// transfer finishes (successfully or not) just before the connection
// stops. A stopped DataConn does not carry a second transfer.
func (d *DataConn) Command(dir TransferDirection, path string, repType RepresentationType, onEnd func()) {
	d.dir = dir
	d.repType = repType
	d.onEnd = onEnd
	d.bytesXfr = 0

	switch dir {
	case Sender:
		fd, oerr := d.store.Open(path, filestore.ReadOnly)
		if oerr != nil {
			d.finish()
			return
		}
		d.fileFD = fd
	case Receiver:
		fd, oerr := d.store.Open(path, filestore.WriteOnly)
		if oerr != nil {
			d.finish()
			return
		}
		d.fileFD = fd
	case Lister:
		r, w, perr := os.Pipe()
		if perr != nil {
			d.finish()
			return
		}
		d.lsCmd = exec.Command("ls", "-l", path)
		d.lsCmd.Stdout = w
		if serr := d.lsCmd.Start(); serr != nil {
			w.Close()
			r.Close()
			d.finish()
			return
		}
		w.Close()
		d.lsRead = r
		d.fileFD = int(r.Fd())
	}
	d.step(0)
}

// step mirrors continue_transmission: res<0 tears the connection down,
// otherwise it issues the next read appropriate to dir.
func (d *DataConn) step(res int) {
	if res < 0 {
		d.finish()
		return
	}
	buf := make([]byte, dataBufSize)
	switch d.dir {
	case Sender, Lister:
		d.base.Engine.ReadSome(d.fileFD, buf, int64(d.bytesXfr), func(n int) {
			if n <= 0 {
				d.finish()
				return
			}
			chunk := translateOutbound(buf[:n], d.repType, d.dir)
			d.bytesXfr += int64(n)
			d.base.Engine.WriteSome(d.base.FD(), chunk, 0, func(w int) { d.step(w) })
		})
	case Receiver:
		d.base.Engine.ReadSome(d.base.FD(), buf, 0, func(n int) {
			if n <= 0 {
				d.finish()
				return
			}
			chunk := translateInbound(buf[:n], d.repType)
			off := d.bytesXfr
			d.bytesXfr += int64(len(chunk))
			d.base.Engine.WriteSome(d.fileFD, chunk, off, func(w int) { d.step(w) })
		})
	}
}

// translateOutbound rewrites bare "\n" (not already preceded by "\r") to
// "\r\n" when repType is ASCII (store/listing -> wire direction); Image
// transfers pass bytes through unchanged. Translation never runs for
// non-ASCII transfers, so binary data is never mangled.
func translateOutbound(b []byte, repType RepresentationType, dir TransferDirection) []byte {
	if repType != RepresentationASCII {
		return b
	}
	var out bytes.Buffer
	out.Grow(len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(b[i])
	}
	return out.Bytes()
}

// translateInbound rewrites "\r\n" to "\n" when repType is ASCII (wire ->
// store direction).
func translateInbound(b []byte, repType RepresentationType) []byte {
	if repType != RepresentationASCII {
		return b
	}
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

// finish closes whatever resource this transfer held open, invokes onEnd,
// and stops the connection node.
func (d *DataConn) finish() {
	switch d.dir {
	case Sender, Receiver:
		if d.fileFD >= 0 {
			d.store.Close(d.fileFD)
		}
	case Lister:
		if d.lsRead != nil {
			d.lsRead.Close()
		}
		if d.lsCmd != nil {
			d.lsCmd.Wait()
		}
	}
	if d.onEnd != nil {
		d.onEnd()
	}
	d.base.Stop(d)
}
