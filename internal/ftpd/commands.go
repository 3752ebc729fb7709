package ftpd

import (
	"strings"
)

// commandHandler matches one verb in commandTable; arg is the text after
// the first space, or "" if the line had none.
type commandHandler func(c *ControlConn, arg string)

// commandTable maps each supported verb to its handler. Lookup is
// case-insensitive because dispatch() upper-cases the verb before indexing
// here.
var commandTable = map[string]commandHandler{
	"USER": cmdUser,
	"CWD":  cmdCwd,
	"CDUP": cmdCdup,
	"QUIT": cmdQuit,
	"TYPE": cmdType,
	"STRU": cmdStru,
	"MODE": cmdMode,
	"PASV": cmdPasv,
	"RETR": cmdRetr,
	"STOR": cmdStor,
	"LIST": cmdList,
	"PWD":  cmdPwd,
	"NOOP": cmdNoop,
	"PORT": cmdPort,
	"SYST": cmdSyst,
	"FEAT": cmdFeat,
}

// requireLogin replies 530 and returns false if the session hasn't USER'd
// in yet; handlers that need a logged-in session call this first.
func requireLogin(c *ControlConn) bool {
	if c.sess.State != LoggedIn {
		c.sendReply(replyNotLoggedIn)
		return false
	}
	return true
}

// cmdUser implements USER: only the literal username "anonymous" is
// accepted, there being no password exchange; any other username fails
// the login and leaves (or resets) the session as not logged in.
func cmdUser(c *ControlConn, arg string) {
	if arg != "anonymous" {
		c.sess.State = NotLoggedIn
		c.sendReply(replyUserIncorrect)
		return
	}
	c.sess.State = LoggedIn
	c.sendReply(replyUserOK)
}

// cmdCwd implements CWD: resolve arg against PWD via SafePath, verify the
// result names a directory that exists, then commit it as the new PWD.
func cmdCwd(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	target, err := SafePath(c.sess.PWD, arg)
	if err != nil {
		c.sendReply(replyIllegalPath550)
		return
	}
	fi, err := c.store.Stat(target)
	if err != nil {
		c.sendReply(replyPathNotFound)
		return
	}
	if !fi.IsDir() {
		c.sendReply(replyNotADirectory)
		return
	}
	c.sess.PWD = target
	c.sendReply(replyDirChanged)
}

// cmdCdup implements CDUP as CWD("..").
func cmdCdup(c *ControlConn, arg string) {
	cmdCwd(c, "..")
}

// cmdPwd implements PWD: report the root-relative current directory,
// root itself rendered as "/".
func cmdPwd(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	c.sendReply(reply(200, "/"+c.sess.PWD))
}

func cmdQuit(c *ControlConn, arg string) {
	c.writeReply(reply(221, "Bye"), func() {
		c.base.Stop(c)
	})
}

func cmdNoop(c *ControlConn, arg string) {
	c.sendReply(replyOK)
}

// cmdPort rejects active mode outright: this server is passive-only.
func cmdPort(c *ControlConn, arg string) {
	c.sendReply(replyCmdUnavailable)
}

func cmdSyst(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	c.sendReply(replySystType)
}

// cmdFeat answers with an empty feature list: this server implements no
// optional RFC 2389 extensions.
func cmdFeat(c *ControlConn, arg string) {
	c.writeReply("211-Features:\r\n"+reply(211, "End"), func() { c.readNextCommand() })
}

// cmdType implements TYPE A / TYPE I.
func cmdType(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	switch strings.ToUpper(arg) {
	case "A":
		c.sess.Type = RepresentationASCII
	case "I":
		c.sess.Type = RepresentationImage
	default:
		c.sendReply(replyBadType)
		return
	}
	c.sendReply(replyTypeChanged)
}

// cmdStru implements STRU F / STRU R; neither value changes transfer
// behavior, they are recorded and accepted only.
func cmdStru(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	switch strings.ToUpper(arg) {
	case "F":
		c.sess.Structure = StructureFile
	case "R":
		c.sess.Structure = StructureRecord
	default:
		c.sendReply(replyBadStru)
		return
	}
	c.sendReply(replyStruChanged)
}

// cmdMode implements MODE S; any other value is rejected since Stream is
// the only mode this server supports.
func cmdMode(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	if strings.ToUpper(arg) != "S" {
		c.sendReply(replyBadMode)
		return
	}
	c.sess.Mode = ModeStream
	c.sendReply(replyModeChanged)
}

// cmdPasv implements PASV: open a passive listener, reply 227 with the
// encoded address, then accept exactly one data connection onto it.
func cmdPasv(c *ControlConn, arg string) {
	if !requireLogin(c) {
		return
	}
	c.makePasv()
}

// cmdRetr implements RETR: resolve and validate path, then dispatch a
// Sender data connection.
func cmdRetr(c *ControlConn, arg string) {
	c.dispatchDataCommand(Sender, arg)
}

// cmdStor implements STOR: resolve and validate path, then dispatch a
// Receiver data connection.
func cmdStor(c *ControlConn, arg string) {
	c.dispatchDataCommand(Receiver, arg)
}

// cmdList implements LIST: resolve and validate path (defaulting to PWD
// when arg is empty), then dispatch a Lister data connection.
func cmdList(c *ControlConn, arg string) {
	c.dispatchDataCommand(Lister, arg)
}
