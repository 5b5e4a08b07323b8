package ftpnode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const chunkSize = 32 * 1024

// dataConfig builds the lease configuration for the current operation.
func (s *Session) dataConfig() dataConfig {
	cfg := dataConfig{
		dialer:      s.dialer,
		host:        s.cc.remoteHost(),
		pasvTimeout: s.opts.PasvTimeout,
		idleTimeout: s.opts.IdleTimeout,
		limiter:     s.limiter,
		logger:      s.logger,
		disableEPSV: &s.disableEPSV,
	}
	if s.opts.protectData() {
		cfg.tls = s.tls
	}
	return cfg
}

// startTransfer opens a data lease, sends the transfer command and completes
// the data connection. A negative reply to the command is a RejectedError:
// no data has flowed and the control channel is still in sync.
//
// A 2xx reply instead of 1xx means the server finished without using the
// data connection; the returned lease is then nil.
func (s *Session) startTransfer(sc *opScope, verb string, args ...string) (*dataLease, error) {
	sc.transfer = sc.op
	sc.command = strings.TrimSpace(verb + " " + strings.Join(args, " "))

	cfg := s.dataConfig()
	var (
		l   *dataLease
		err error
	)
	if s.opts.ActiveMode {
		l, err = openActive(sc.ctx, s.cc, cfg)
	} else {
		l, err = openPassive(sc.ctx, s.cc, cfg)
	}
	if err != nil {
		return nil, err
	}
	s.lease.Store(l)
	sc.lease = l
	s.setState(StateTransferring, sc.command)

	reply, err := s.cc.cmd(s.opts.IdleTimeout, verb, args...)
	if err != nil {
		return nil, err
	}
	switch {
	case reply.Is1xx():
		sc.pending = true
		sc.expected = parseAdvertisedSize(reply.Message)
	case reply.Is2xx():
		s.logger.Debug("transfer completed without data", "cmd", sc.command, "code", reply.Code)
		l.Close()
		return nil, nil
	default:
		return nil, rejected("", sc.command, reply)
	}

	if err := l.establish(); err != nil {
		return nil, &Error{Kind: KindDataChannel, Command: sc.command, Reply: reply, Expected: sc.expected, Err: err}
	}
	return l, nil
}

// finishTransfer closes the lease and reconciles it with the completion
// reply. Data EOF without a 2xx completion, or a byte count that disagrees
// with the advertised size, is a TruncatedTransferError.
func (s *Session) finishTransfer(sc *opScope, l *dataLease, checkSize bool) error {
	if l != nil {
		l.Close()
	}
	if !sc.pending {
		return nil
	}
	n := l.transferred()

	reply, err := s.cc.readCompletion(s.opts.IdleTimeout)
	sc.pending = false
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) && fe.Kind == KindConnect {
			return &Error{Kind: KindTruncatedTransfer, Command: sc.command, Reply: s.cc.LastReply(), Transferred: n, Expected: sc.expected,
				Err: fmt.Errorf("no completion reply after end of data: %w", fe.Err)}
		}
		return err
	}
	if !reply.Is2xx() {
		return &Error{Kind: KindDataChannel, Command: sc.command, Reply: reply, Transferred: n, Expected: sc.expected,
			Err: errors.New("transfer failed")}
	}
	if checkSize && sc.expected >= 0 && n != sc.expected {
		return &Error{Kind: KindTruncatedTransfer, Command: sc.command, Reply: reply, Transferred: n, Expected: sc.expected,
			Err: errors.New("server confirmed the transfer but the byte count differs from the advertised size")}
	}
	return nil
}

// Store uploads src to path (STOR) and returns the number of bytes sent.
// The upload ends at src's EOF; the server's 226 confirms it.
//
// Example:
//
//	f, err := os.Open("report.csv")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//	n, err := s.Store(ctx, "/upload/report.csv", f)
func (s *Session) Store(ctx context.Context, path string, src io.Reader) (int64, error) {
	if err := checkArg("store", path); err != nil {
		return 0, err
	}
	if src == nil {
		return 0, newError(KindProgramming, "store", errors.New("nil source"))
	}
	sc, err := s.begin(ctx, "store")
	if err != nil {
		return 0, err
	}
	l, err := s.startTransfer(sc, "STOR", path)
	if err != nil {
		return 0, s.end(sc, err)
	}
	if l == nil {
		return 0, s.end(sc, nil)
	}

	n, err := s.upload(sc, l, src)
	if err != nil {
		return n, s.end(sc, err)
	}
	return n, s.end(sc, s.finishTransfer(sc, l, false))
}

// upload copies src into the lease. Failures of src are IOErrors, failures
// of the data connection DataChannelErrors.
func (s *Session) upload(sc *opScope, l *dataLease, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := l.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, &Error{Kind: KindDataChannel, Command: sc.command, Reply: s.cc.LastReply(), Transferred: total, Expected: -1,
					Err: fmt.Errorf("upload failed: %w", werr)}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, &Error{Kind: KindIO, Command: sc.command, Reply: s.cc.LastReply(), Transferred: total, Expected: -1,
				Err: fmt.Errorf("reading upload source: %w", rerr)}
		}
	}
}

// StoreFile uploads the local file at localPath.
func (s *Session) StoreFile(ctx context.Context, path, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, newError(KindIO, "store", fmt.Errorf("failed to open local file: %w", err))
	}
	defer f.Close()
	return s.Store(ctx, path, f)
}

// Retrieve starts downloading path (RETR). The returned Download streams the
// file and holds the session until it reaches EOF, fails, or is closed; no
// other operation can run in the meantime.
//
// Example:
//
//	dl, err := s.Retrieve(ctx, "/pub/file.bin")
//	if err != nil {
//	    return err
//	}
//	defer dl.Close()
//	_, err = io.Copy(dst, dl)
func (s *Session) Retrieve(ctx context.Context, path string) (*Download, error) {
	if err := checkArg("retrieve", path); err != nil {
		return nil, err
	}
	sc, err := s.begin(ctx, "retrieve")
	if err != nil {
		return nil, err
	}
	l, err := s.startTransfer(sc, "RETR", path)
	if err != nil {
		return nil, s.end(sc, err)
	}
	return &Download{s: s, sc: sc, lease: l}, nil
}

// RetrieveFile downloads path into a new local file at localPath.
func (s *Session) RetrieveFile(ctx context.Context, path, localPath string) (int64, error) {
	dl, err := s.Retrieve(ctx, path)
	if err != nil {
		return 0, err
	}
	defer dl.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return 0, s.abandon(dl, fmt.Errorf("failed to create local file: %w", err))
	}
	n, err := io.Copy(f, dl)
	cerr := f.Close()
	if err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return n, s.abandon(dl, err)
		}
		return n, err
	}
	if cerr != nil {
		return n, newError(KindIO, "retrieve", cerr)
	}
	return n, nil
}

// abandon cancels dl because of a local failure and reports that failure.
func (s *Session) abandon(dl *Download, cause error) error {
	dl.Close()
	return newError(KindIO, "retrieve", cause)
}

// Download is the receiving end of a Retrieve. It is an io.ReadCloser; Read
// returns io.EOF only after the server confirmed the transfer. Closing it
// before EOF cancels the transfer and leaves the session Errored.
type Download struct {
	s     *Session
	sc    *opScope
	lease *dataLease

	// closing is set by Close before it waits for a Read in progress.
	closing atomic.Bool

	mu   sync.Mutex
	done bool
	err  error
}

// Size returns the size the server advertised in its preliminary reply,
// or -1.
func (d *Download) Size() int64 {
	return d.sc.expected
}

// Read implements io.Reader.
func (d *Download) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return 0, d.terminal()
	}
	if d.lease == nil {
		d.finish(nil)
		return 0, d.terminal()
	}

	n, err := d.lease.Read(p)
	switch {
	case err == nil:
		return n, nil
	case d.closing.Load():
		d.finish(d.cancelled())
	case errors.Is(err, io.EOF):
		d.finish(d.s.finishTransfer(d.sc, d.lease, true))
	default:
		d.finish(&Error{Kind: KindDataChannel, Command: d.sc.command, Reply: d.s.cc.LastReply(),
			Transferred: d.lease.transferred(), Expected: d.sc.expected, Err: err})
	}
	return n, d.terminal()
}

// Close releases the session. Before EOF this cancels the transfer: ABOR is
// sent and the session moves to Errored. When the advertised size has
// already been received, Close completes the transfer normally instead.
func (d *Download) Close() error {
	complete := d.lease != nil && d.sc.expected >= 0 && d.lease.received.Load() == d.sc.expected
	if !complete && d.lease != nil {
		// Closing the data connection unblocks a concurrent Read.
		d.closing.Store(true)
		d.lease.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}
	if complete {
		var one [1]byte
		if n, err := d.lease.Read(one[:]); n == 0 && errors.Is(err, io.EOF) {
			d.finish(d.s.finishTransfer(d.sc, d.lease, true))
			return d.err
		}
	}
	d.finish(d.cancelled())
	return nil
}

func (d *Download) cancelled() error {
	return &Error{Kind: KindCancelled, Command: d.sc.command, Reply: d.s.cc.LastReply(),
		Transferred: d.lease.transferred(), Expected: d.sc.expected,
		Err: errors.New("download closed before end of data")}
}

// Chunks returns the rest of the download as a lazy sequence of chunks. The
// sequence is finite and can be ranged over once; stopping early closes
// the download. The final element carries the error, if any.
//
//	for chunk, err := range dl.Chunks() {
//	    if err != nil {
//	        return err
//	    }
//	    h.Write(chunk)
//	}
func (d *Download) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, chunkSize)
		for {
			n, err := d.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					d.Close()
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func (d *Download) finish(err error) {
	d.done = true
	d.err = d.s.end(d.sc, err)
}

func (d *Download) terminal() error {
	if d.err != nil {
		return d.err
	}
	return io.EOF
}

// List lists path (LIST), or the working directory when path is empty.
// Lines that match no known listing format are reported in a
// *PartialParseError returned together with the entries that did parse;
// the session stays Ready in that case.
//
// Example:
//
//	entries, err := s.List(ctx, "/pub")
//	if err != nil && !errors.Is(err, ftpnode.ErrPartialParse) {
//	    return err
//	}
//	for _, e := range entries {
//	    fmt.Printf("%s %d %s\n", e.Type, e.Size, e.Name)
//	}
func (s *Session) List(ctx context.Context, path string) ([]*Entry, error) {
	lines, err := s.lines(ctx, "list", "LIST", path)
	if err != nil {
		return nil, err
	}

	entries, unparsed := parseListing(lines, s.parsers)
	if len(unparsed) == 0 {
		return entries, nil
	}
	for _, line := range unparsed {
		s.logger.Debug("unable to parse LIST line", "raw", line)
	}
	return entries, &PartialParseError{Path: path, Lines: unparsed}
}

// NameList returns the bare names in path (NLST).
func (s *Session) NameList(ctx context.Context, path string) ([]string, error) {
	lines, err := s.lines(ctx, "nlst", "NLST", path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range lines {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// lines runs a listing command and collects its output.
func (s *Session) lines(ctx context.Context, op, verb, path string) ([]string, error) {
	if strings.ContainsAny(path, "\r\n") {
		return nil, checkArg(op, path)
	}
	sc, err := s.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	var args []string
	if path != "" {
		args = append(args, path)
	}
	l, err := s.startTransfer(sc, verb, args...)
	if err != nil {
		return nil, s.end(sc, err)
	}
	if l == nil {
		return nil, s.end(sc, nil)
	}

	var lines []string
	scanner := bufio.NewScanner(l)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, s.end(sc, &Error{Kind: KindDataChannel, Command: sc.command, Reply: s.cc.LastReply(),
			Transferred: l.transferred(), Expected: -1, Err: fmt.Errorf("failed to read listing: %w", err)})
	}
	if err := s.finishTransfer(sc, l, false); err != nil {
		return nil, s.end(sc, err)
	}
	return lines, s.end(sc, nil)
}
