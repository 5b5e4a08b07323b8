package ftptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

const dataTimeout = 5 * time.Second

// conn is one control connection.
type conn struct {
	srv *Server
	c   net.Conn
	r   *bufio.Reader

	loggedIn   bool
	user       string
	cwd        string
	renameFrom string
	prot       bool

	pasv       net.Listener
	activeAddr string
}

// handlers maps verbs to their handlers. USER, PASS, QUIT and the commands
// allowed before login are in preLogin.
var handlers = map[string]func(*conn, string){
	"USER": (*conn).handleUSER,
	"PASS": (*conn).handlePASS,
	"SYST": (*conn).handleSYST,
	"FEAT": (*conn).handleFEAT,
	"TYPE": (*conn).handleTYPE,
	"PWD":  (*conn).handlePWD,
	"CWD":  (*conn).handleCWD,
	"NOOP": (*conn).handleNOOP,
	"EPSV": (*conn).handleEPSV,
	"PASV": (*conn).handlePASV,
	"PORT": (*conn).handlePORT,
	"EPRT": (*conn).handleEPRT,
	"LIST": (*conn).handleLIST,
	"NLST": (*conn).handleNLST,
	"RETR": (*conn).handleRETR,
	"STOR": (*conn).handleSTOR,
	"DELE": (*conn).handleDELE,
	"RNFR": (*conn).handleRNFR,
	"RNTO": (*conn).handleRNTO,
	"MKD":  (*conn).handleMKD,
	"RMD":  (*conn).handleRMD,
	"SIZE": (*conn).handleSIZE,
	"ABOR": (*conn).handleABOR,
	"AUTH": (*conn).handleAUTH,
	"PBSZ": (*conn).handlePBSZ,
	"PROT": (*conn).handlePROT,
}

var preLogin = map[string]bool{
	"USER": true, "PASS": true, "SYST": true, "FEAT": true,
	"NOOP": true, "AUTH": true, "PBSZ": true, "PROT": true,
}

func newConn(srv *Server, c net.Conn) *conn {
	return &conn{srv: srv, c: c, r: bufio.NewReader(c), cwd: "/", prot: srv.implicit}
}

func (c *conn) serve() {
	defer c.close()

	g := c.srv.greeting
	for i, line := range g {
		sep := "-"
		if i == len(g)-1 {
			sep = " "
		}
		fmt.Fprintf(c.c, "220%s%s\r\n", sep, line)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		c.srv.record(line)
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		if verb == "QUIT" {
			c.reply(221, "Goodbye.")
			return
		}
		if raw, ok := c.srv.responses[verb]; ok {
			fmt.Fprintf(c.c, "%s\r\n", raw)
			continue
		}
		h, ok := handlers[verb]
		if !ok {
			c.reply(502, "Command not implemented.")
			continue
		}
		if !c.loggedIn && !preLogin[verb] {
			c.reply(530, "Not logged in.")
			continue
		}
		h(c, arg)
	}
}

func (c *conn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *conn) close() {
	if c.pasv != nil {
		c.pasv.Close()
	}
	c.c.Close()
}

func (c *conn) reply(code int, msg string) {
	fmt.Fprintf(c.c, "%d %s\r\n", code, msg)
}

func (c *conn) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	return path.Clean(p)
}

func (c *conn) handleUSER(arg string) {
	c.user = arg
	c.loggedIn = false
	if c.srv.noPassword {
		c.loggedIn = true
		c.reply(230, "User logged in.")
		return
	}
	c.reply(331, "Password required.")
}

func (c *conn) handlePASS(arg string) {
	if c.user == "" {
		c.reply(503, "Login with USER first.")
		return
	}
	if c.srv.user != "" && (c.user != c.srv.user || arg != c.srv.pass) {
		c.reply(530, "Login incorrect.")
		return
	}
	c.loggedIn = true
	c.reply(230, "User logged in.")
}

func (c *conn) handleSYST(string) {
	c.reply(215, "UNIX Type: L8")
}

func (c *conn) handleFEAT(string) {
	feats := []string{"EPSV", "PASV", "SIZE", "UTF8"}
	if c.srv.tls != nil {
		feats = append(feats, "AUTH TLS", "PBSZ", "PROT")
	}
	var b strings.Builder
	b.WriteString("211-Features:\r\n")
	for _, f := range feats {
		b.WriteString(" " + f + "\r\n")
	}
	b.WriteString("211 End\r\n")
	io.WriteString(c.c, b.String())
}

func (c *conn) handleTYPE(arg string) {
	c.reply(200, "Type set to "+strings.ToUpper(arg)+".")
}

func (c *conn) handlePWD(string) {
	c.reply(257, fmt.Sprintf("%q is the current directory.", c.cwd))
}

func (c *conn) handleCWD(arg string) {
	p := c.abs(arg)
	if !c.srv.HasDir(p) {
		c.reply(550, "No such directory.")
		return
	}
	c.cwd = p
	c.reply(250, "Directory changed.")
}

func (c *conn) handleNOOP(string) {
	c.srv.noops.Add(1)
	c.reply(200, "NOOP ok.")
}

func (c *conn) listen() (net.Listener, bool) {
	if c.srv.has(FaultHangPassive) {
		return nil, false
	}
	if c.pasv != nil {
		c.pasv.Close()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		c.reply(425, "Can't open passive connection.")
		return nil, false
	}
	c.pasv = ln
	c.activeAddr = ""
	return ln, true
}

func (c *conn) handleEPSV(string) {
	if c.srv.has(FaultRefuseEPSV) {
		c.reply(502, "EPSV not implemented.")
		return
	}
	ln, ok := c.listen()
	if !ok {
		return
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	c.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", port))
}

func (c *conn) handlePASV(string) {
	ln, ok := c.listen()
	if !ok {
		return
	}
	port := ln.Addr().(*net.TCPAddr).Port
	c.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port>>8, port&0xff))
}

func (c *conn) handlePORT(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		c.reply(501, "Syntax error in PORT.")
		return
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		c.reply(501, "Syntax error in PORT.")
		return
	}
	c.setActive(net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1<<8|p2)))
	c.reply(200, "PORT command successful.")
}

func (c *conn) handleEPRT(arg string) {
	if len(arg) < 2 {
		c.reply(501, "Syntax error in EPRT.")
		return
	}
	fields := strings.Split(arg[1:len(arg)-1], arg[:1])
	if len(fields) != 3 {
		c.reply(501, "Syntax error in EPRT.")
		return
	}
	c.setActive(net.JoinHostPort(fields[1], fields[2]))
	c.reply(200, "EPRT command successful.")
}

func (c *conn) setActive(addr string) {
	if c.pasv != nil {
		c.pasv.Close()
		c.pasv = nil
	}
	c.activeAddr = addr
}

// openData connects the data channel prepared by PASV/EPSV/PORT/EPRT and
// wraps it in TLS after PROT P.
func (c *conn) openData() (net.Conn, error) {
	var (
		dc  net.Conn
		err error
	)
	switch {
	case c.pasv != nil:
		if tl, ok := c.pasv.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(dataTimeout))
		}
		dc, err = c.pasv.Accept()
		c.pasv.Close()
		c.pasv = nil
	case c.activeAddr != "":
		dc, err = net.DialTimeout("tcp", c.activeAddr, dataTimeout)
		c.activeAddr = ""
	default:
		err = errors.New("no data connection prepared")
	}
	if err != nil {
		return nil, err
	}
	if c.prot && c.srv.tls != nil {
		tc := tls.Server(dc, c.srv.tls)
		_ = tc.SetDeadline(time.Now().Add(dataTimeout))
		if err := tc.Handshake(); err != nil {
			dc.Close()
			return nil, err
		}
		_ = tc.SetDeadline(time.Time{})
		dc = tc
	}
	return dc, nil
}

// transfer sends 150, opens the data connection and runs fn on it.
func (c *conn) transfer(preliminary string, fn func(net.Conn) error) {
	c.reply(150, preliminary)
	dc, err := c.openData()
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}
	err = fn(dc)
	dc.Close()
	if err != nil {
		c.reply(426, "Connection closed; transfer aborted.")
		return
	}
	c.reply(226, "Transfer complete.")
}

// listDir resolves the directory argument of LIST/NLST. Options such as
// -a are ignored.
func (c *conn) listDir(arg string) (string, bool) {
	if strings.HasPrefix(arg, "-") {
		_, arg, _ = strings.Cut(arg, " ")
	}
	dir := c.cwd
	if arg != "" {
		dir = c.abs(arg)
	}
	return dir, c.srv.HasDir(dir)
}

func (c *conn) handleLIST(arg string) {
	lines := c.srv.listing
	if lines == nil {
		dir, ok := c.listDir(arg)
		if !ok {
			c.reply(550, "No such directory.")
			return
		}
		files, dirs := c.srv.children(dir)
		lines = append(lines, fmt.Sprintf("total %d", len(files)+len(dirs)))
		for _, d := range dirs {
			lines = append(lines, fmt.Sprintf("drwxr-xr-x   2 ftp      ftp          4096 Jan 02 15:04 %s", d))
		}
		for _, f := range files {
			data, _ := c.srv.File(path.Join(dir, f))
			lines = append(lines, fmt.Sprintf("-rw-r--r--   1 ftp      ftp      %8d Jan 02 15:04 %s", len(data), f))
		}
	}
	c.transfer("Here comes the directory listing.", func(dc net.Conn) error {
		for _, l := range lines {
			if _, err := io.WriteString(dc, l+"\r\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *conn) handleNLST(arg string) {
	dir, ok := c.listDir(arg)
	if !ok {
		c.reply(550, "No such directory.")
		return
	}
	files, dirs := c.srv.children(dir)
	names := append(dirs, files...)
	c.transfer("Here comes the name list.", func(dc net.Conn) error {
		for _, n := range names {
			if _, err := io.WriteString(dc, n+"\r\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *conn) handleRETR(arg string) {
	name := c.abs(arg)
	data, ok := c.srv.File(name)
	if !ok {
		c.reply(550, "No such file.")
		return
	}
	advertised := len(data)
	if c.srv.has(FaultMisreportSize) {
		advertised += 10
	}
	c.reply(150, fmt.Sprintf("Opening BINARY mode data connection for %s (%d bytes).", path.Base(name), advertised))
	dc, err := c.openData()
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}

	switch {
	case c.srv.has(FaultDropCompletion):
		_, _ = dc.Write(data[:len(data)/2])
		dc.Close()
		c.c.Close()
		return
	case c.srv.has(FaultStallData):
		_, _ = dc.Write(data[:len(data)/2])
		c.awaitAbort(dc)
		return
	}

	_, err = dc.Write(data)
	dc.Close()
	if err != nil {
		c.reply(426, "Connection closed; transfer aborted.")
		return
	}
	c.reply(226, "Transfer complete.")
}

// awaitAbort holds a stalled transfer open until the client sends ABOR or
// goes away.
func (c *conn) awaitAbort(dc net.Conn) {
	defer dc.Close()
	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		c.srv.record(line)
		if strings.EqualFold(strings.TrimSpace(line), "ABOR") {
			dc.Close()
			c.reply(426, "Connection closed; transfer aborted.")
			c.reply(226, "ABOR command successful.")
			return
		}
		c.reply(503, "Transfer in progress.")
	}
}

func (c *conn) handleSTOR(arg string) {
	name := c.abs(arg)
	if !c.srv.HasDir(path.Dir(name)) {
		c.reply(553, "No such directory.")
		return
	}
	c.transfer("Ok to send data.", func(dc net.Conn) error {
		data, err := io.ReadAll(dc)
		if err != nil {
			return err
		}
		c.srv.PutFile(name, data)
		return nil
	})
}

func (c *conn) handleDELE(arg string) {
	name := c.abs(arg)
	c.srv.mu.Lock()
	_, ok := c.srv.files[name]
	delete(c.srv.files, name)
	c.srv.mu.Unlock()
	if !ok {
		c.reply(550, "No such file.")
		return
	}
	c.reply(250, "Delete operation successful.")
}

func (c *conn) handleRNFR(arg string) {
	name := c.abs(arg)
	c.srv.mu.Lock()
	_, isFile := c.srv.files[name]
	isDir := c.srv.dirs[name]
	c.srv.mu.Unlock()
	if !isFile && !isDir {
		c.reply(550, "No such file or directory.")
		return
	}
	c.renameFrom = name
	c.reply(350, "Ready for RNTO.")
}

func (c *conn) handleRNTO(arg string) {
	from := c.renameFrom
	c.renameFrom = ""
	if from == "" {
		c.reply(503, "RNFR required first.")
		return
	}
	to := c.abs(arg)

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if data, ok := c.srv.files[from]; ok {
		delete(c.srv.files, from)
		c.srv.files[to] = data
	} else if c.srv.dirs[from] {
		delete(c.srv.dirs, from)
		c.srv.dirs[to] = true
	} else {
		c.reply(550, "Rename failed.")
		return
	}
	c.reply(250, "Rename successful.")
}

func (c *conn) handleMKD(arg string) {
	name := c.abs(arg)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.dirs[name] || !c.srv.dirs[path.Dir(name)] {
		c.reply(550, "Create directory operation failed.")
		return
	}
	c.srv.dirs[name] = true
	c.reply(257, fmt.Sprintf("%q created.", name))
}

func (c *conn) handleRMD(arg string) {
	name := c.abs(arg)
	files, dirs := c.srv.children(name)
	if !c.srv.HasDir(name) || name == "/" || len(files)+len(dirs) > 0 {
		c.reply(550, "Remove directory operation failed.")
		return
	}
	c.srv.mu.Lock()
	delete(c.srv.dirs, name)
	c.srv.mu.Unlock()
	c.reply(250, "Remove directory operation successful.")
}

func (c *conn) handleSIZE(arg string) {
	data, ok := c.srv.File(c.abs(arg))
	if !ok {
		c.reply(550, "Could not get file size.")
		return
	}
	c.reply(213, strconv.Itoa(len(data)))
}

func (c *conn) handleABOR(string) {
	c.reply(226, "ABOR command successful.")
}

func (c *conn) handleAUTH(arg string) {
	if c.srv.tls == nil || c.srv.implicit || !strings.EqualFold(arg, "TLS") {
		c.reply(504, "AUTH type not supported.")
		return
	}
	c.reply(234, "Proceed with negotiation.")
	tc := tls.Server(c.c, c.srv.tls)
	if err := tc.Handshake(); err != nil {
		c.c.Close()
		return
	}
	c.c = tc
	c.r = bufio.NewReader(tc)
}

func (c *conn) handlePBSZ(string) {
	c.reply(200, "PBSZ=0")
}

func (c *conn) handlePROT(arg string) {
	switch strings.ToUpper(arg) {
	case "P":
		c.prot = true
	case "C":
		c.prot = false
	default:
		c.reply(504, "PROT level not supported.")
		return
	}
	c.reply(200, "PROT now "+strings.ToUpper(arg)+".")
}
