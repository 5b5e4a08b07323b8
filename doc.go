// Package ftpnode is an FTP client engine built around one session per
// connection. A session owns the control connection, leases a data
// connection per transfer and runs strictly one operation at a time.
//
// # Overview
//
// The engine supports:
//   - Plain FTP, explicit TLS (AUTH TLS) and implicit TLS (port 990)
//   - TLS session reuse for data connections
//   - Passive (EPSV, then PASV) and active (PORT/EPRT) data connections
//   - Streaming downloads as an io.Reader or as an iterator of chunks
//   - Typed errors carrying the command and reply that caused them
//   - Keep-alive NOOPs while idle
//
// # Basic Usage
//
//	opts := ftpnode.ConnectionOptions{
//	    Host:     "ftp.example.com",
//	    User:     "alice",
//	    Password: "secret",
//	}
//	s, err := ftpnode.NewSession(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	entries, err := s.List(ctx, "/pub")
//
// # Secure Connections
//
// Set Secure to SecureExplicit for AUTH TLS with protected data connections,
// SecureControl to protect only the control connection, or SecureImplicit
// for TLS from the first byte:
//
//	opts := ftpnode.ConnectionOptions{
//	    Host:   "ftp.example.com",
//	    Port:   990,
//	    Secure: ftpnode.SecureImplicit,
//	    TLS:    ftpnode.TLSOptions{ServerName: "ftp.example.com"},
//	}
//
// # Downloads
//
// Retrieve returns a *Download. Read it to the end, or stop early with
// Close; until then the session refuses other operations.
//
//	dl, err := s.Retrieve(ctx, "report.pdf")
//	if err != nil {
//	    return err
//	}
//	defer dl.Close()
//	for chunk, err := range dl.Chunks() {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk)
//	}
//
// A download that ends before the size announced in the 150 reply, or whose
// data connection closes without the 226 that confirms it, fails with
// ErrTruncatedTransfer rather than returning short data as success.
//
// # Error Handling
//
// Every operation returns an *Error whose Kind is matched by the sentinel
// errors:
//
//	err := s.Delete(ctx, "missing.txt")
//	if errors.Is(err, ftpnode.ErrRejected) {
//	    var fe *ftpnode.Error
//	    errors.As(err, &fe)
//	    fmt.Println(fe.Reply.Code, fe.Reply.Message) // 550 ...
//	}
//
// A rejected command (4xx/5xx reply) leaves the session Ready. Transport
// failures, protocol violations, truncated transfers and cancellations move
// it to Errored; the host then closes it and creates a new one.
//
// # Concurrency
//
// Operations on one session never overlap: a call made while another is in
// flight fails immediately with ErrProgramming. Use one session per
// concurrent stream of work. Close may be called from any goroutine and
// interrupts an operation in progress.
//
// # Observability
//
// WithLogger enables slog output (commands and replies at debug level,
// passwords redacted), WithStatusSink reports state transitions, and
// WithMetrics records commands and transfers; the metrics package provides
// a Prometheus implementation.
package ftpnode
