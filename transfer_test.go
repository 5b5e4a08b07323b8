package ftpnode

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpnode/internal/ftptest"
)

func readAll(dl *Download) ([]byte, error) {
	defer dl.Close()
	return io.ReadAll(dl)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	sizes := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"one chunk", chunkSize},
		{"10 MiB", 10 << 20},
	}

	srv := ftptest.Start(t)
	s := connect(t, srv, nil)
	ctx := context.Background()

	for _, tt := range sizes {
		t.Run(tt.name, func(t *testing.T) {
			payload := randomBytes(t, tt.size)
			name := "/" + strings.ReplaceAll(tt.name, " ", "_")

			n, err := s.Store(ctx, name, bytes.NewReader(payload))
			require.NoError(t, err)
			assert.EqualValues(t, tt.size, n)
			stored, ok := srv.File(name)
			require.True(t, ok)
			assert.True(t, bytes.Equal(payload, stored))

			dl, err := s.Retrieve(ctx, name)
			require.NoError(t, err)
			assert.EqualValues(t, tt.size, dl.Size())
			got, err := readAll(dl)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "downloaded content differs")
			assert.Equal(t, StateReady, s.State())
		})
	}
}

func TestStoreAndRetrieveFile(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, nil)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "up.txt")
	require.NoError(t, os.WriteFile(src, []byte("local content"), 0644))
	n, err := s.StoreFile(ctx, "/up.txt", src)
	require.NoError(t, err)
	assert.EqualValues(t, 13, n)

	dst := filepath.Join(dir, "down.txt")
	n, err = s.RetrieveFile(ctx, "/up.txt", dst)
	require.NoError(t, err)
	assert.EqualValues(t, 13, n)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "local content", string(data))

	_, err = s.StoreFile(ctx, "/x", filepath.Join(dir, "missing"))
	requireKind(t, err, KindIO)
	assert.Equal(t, StateReady, s.State())
}

func TestRetrieveMissingIsRejected(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, nil)

	_, err := s.Retrieve(context.Background(), "/missing.bin")
	fe := requireKind(t, err, KindRejected)
	assert.Equal(t, 550, fe.Code())
	assert.Equal(t, "RETR /missing.bin", fe.Command)
	assert.Equal(t, StateReady, s.State())

	_, err = s.Store(context.Background(), "/no/such/dir/f", strings.NewReader("x"))
	requireKind(t, err, KindRejected)
	assert.Equal(t, StateReady, s.State())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestStoreSourceFailure(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, nil)

	_, err := s.Store(context.Background(), "/f", io.MultiReader(strings.NewReader("partial"), failingReader{}))
	fe := requireKind(t, err, KindIO)
	assert.EqualValues(t, 7, fe.Transferred)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, StateErrored, s.State())

	_, err = s.Store(context.Background(), "/f", nil)
	requireKind(t, err, KindProgramming)
}

func TestTruncatedTransfer(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultDropCompletion))
	srv.PutFile("/big.bin", randomBytes(t, 1000))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/big.bin")
	require.NoError(t, err)
	got, err := readAll(dl)

	fe := requireKind(t, err, KindTruncatedTransfer)
	assert.ErrorIs(t, err, ErrTruncatedTransfer)
	assert.Len(t, got, 500)
	assert.EqualValues(t, 500, fe.Transferred)
	assert.EqualValues(t, 1000, fe.Expected)
	assert.Equal(t, "retrieve", fe.Op)
	assert.Equal(t, StateErrored, s.State())
}

func TestMisreportedSize(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultMisreportSize))
	srv.PutFile("/f.bin", randomBytes(t, 100))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/f.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 110, dl.Size())
	_, err = readAll(dl)

	fe := requireKind(t, err, KindTruncatedTransfer)
	assert.EqualValues(t, 100, fe.Transferred)
	assert.EqualValues(t, 110, fe.Expected)
	assert.Equal(t, 226, fe.Code())
	assert.Equal(t, StateErrored, s.State())
}

func TestPassiveTimeout(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultHangPassive))
	s := connect(t, srv, func(o *ConnectionOptions) {
		o.PasvTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	_, err := s.List(context.Background(), "/")
	requireKind(t, err, KindDataChannel)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateErrored, s.State())
}

func TestEPSVRefusedFallsBackToPASV(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultRefuseEPSV))
	srv.PutFile("/f", []byte("x"))
	s := connect(t, srv, nil)
	ctx := context.Background()

	_, err := s.List(ctx, "/")
	require.NoError(t, err)
	_, err = s.NameList(ctx, "/")
	require.NoError(t, err)

	assert.Equal(t, 1, countCommand(srv, "EPSV"), "EPSV is not retried in the same session")
	assert.Equal(t, 2, countCommand(srv, "PASV"))
}

func TestDisableEPSV(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, func(o *ConnectionOptions) {
		o.DisableEPSV = true
	})

	_, err := s.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Zero(t, countCommand(srv, "EPSV"))
	assert.Equal(t, 1, countCommand(srv, "PASV"))
}

func TestActiveMode(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, func(o *ConnectionOptions) {
		o.ActiveMode = true
	})
	ctx := context.Background()
	payload := randomBytes(t, 100_000)

	_, err := s.Store(ctx, "/active.bin", bytes.NewReader(payload))
	require.NoError(t, err)
	dl, err := s.Retrieve(ctx, "/active.bin")
	require.NoError(t, err)
	got, err := readAll(dl)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	assert.Zero(t, countCommand(srv, "EPSV"))
	assert.Zero(t, countCommand(srv, "PASV"))
	for _, cmd := range srv.Commands() {
		if strings.HasPrefix(cmd, "PORT ") {
			return
		}
	}
	t.Error("no PORT command sent")
}

func TestCancelDuringTransfer(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultStallData))
	srv.PutFile("/stall.bin", randomBytes(t, 64*1024))
	s := connect(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	dl, err := s.Retrieve(ctx, "/stall.bin")
	require.NoError(t, err)

	start := time.Now()
	got, err := readAll(dl)
	fe := requireKind(t, err, KindCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Len(t, got, 32*1024)
	assert.EqualValues(t, 64*1024, fe.Expected)

	assert.True(t, hasCommand(srv, "ABOR"))
	assert.Equal(t, StateErrored, s.State())
}

func TestCancelledBeforeStart(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.List(ctx, "/")
	requireKind(t, err, KindCancelled)
	assert.Equal(t, StateReady, s.State(), "nothing was sent")
}

func TestDownloadCloseEarly(t *testing.T) {
	srv := ftptest.Start(t)
	srv.PutFile("/big.bin", randomBytes(t, 1<<20))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/big.bin")
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(dl, buf)
	require.NoError(t, err)

	assert.NoError(t, dl.Close())
	assert.NoError(t, dl.Close())
	assert.Equal(t, StateErrored, s.State())

	_, err = dl.Read(buf)
	requireKind(t, err, KindCancelled)
	requireKind(t, s.Delete(context.Background(), "/big.bin"), KindProgramming)
}

func TestDownloadCloseUnblocksRead(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultStallData))
	srv.PutFile("/stall.bin", randomBytes(t, 64*1024))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/stall.bin")
	require.NoError(t, err)
	// The server sends half of the file and then stalls.
	_, err = io.ReadFull(dl, make([]byte, 32*1024))
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := dl.Read(make([]byte, 1024))
		readErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, dl.Close())
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-readErr:
		fe := requireKind(t, err, KindCancelled)
		assert.EqualValues(t, 32*1024, fe.Transferred)
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after Close")
	}
	assert.True(t, hasCommand(srv, "ABOR"))
	assert.Equal(t, StateErrored, s.State())
}

func TestDownloadCloseAtAdvertisedSize(t *testing.T) {
	srv := ftptest.Start(t)
	payload := randomBytes(t, 5000)
	srv.PutFile("/exact.bin", payload)
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/exact.bin")
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(dl, buf)
	require.NoError(t, err)

	require.NoError(t, dl.Close())
	assert.Equal(t, payload, buf)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, hasCommand(srv, "ABOR"))
}

func TestChunks(t *testing.T) {
	srv := ftptest.Start(t)
	payload := randomBytes(t, 300_000)
	srv.PutFile("/c.bin", payload)
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/c.bin")
	require.NoError(t, err)

	var got []byte
	chunks := 0
	for chunk, err := range dl.Chunks() {
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), chunkSize)
		got = append(got, chunk...)
		chunks++
	}
	assert.True(t, bytes.Equal(payload, got))
	assert.Greater(t, chunks, 1)
	assert.Equal(t, StateReady, s.State())

	// The sequence is not restartable.
	for range dl.Chunks() {
		t.Fatal("exhausted download yielded a chunk")
	}
}

func TestChunksStopEarly(t *testing.T) {
	srv := ftptest.Start(t)
	srv.PutFile("/c.bin", randomBytes(t, 1<<20))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/c.bin")
	require.NoError(t, err)
	for _, err := range dl.Chunks() {
		require.NoError(t, err)
		break
	}
	assert.Equal(t, StateErrored, s.State())
}

func TestChunksReportTruncation(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultDropCompletion))
	srv.PutFile("/t.bin", randomBytes(t, 10_000))
	s := connect(t, srv, nil)

	dl, err := s.Retrieve(context.Background(), "/t.bin")
	require.NoError(t, err)

	var last error
	total := 0
	for chunk, err := range dl.Chunks() {
		total += len(chunk)
		last = err
	}
	requireKind(t, last, KindTruncatedTransfer)
	assert.Equal(t, 5000, total)
}

func TestListPartialParse(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithListing(
		"-rw-r--r--   1 ftp ftp 5 Jan 02 15:04 good.txt",
		"?!? not a listing line",
	))
	s := connect(t, srv, nil)

	entries, err := s.List(context.Background(), "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialParse)
	var pe *PartialParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"?!? not a listing line"}, pe.Lines)

	require.Len(t, entries, 1)
	assert.Equal(t, "good.txt", entries[0].Name)
	assert.Equal(t, StateReady, s.State())
}

func TestListCustomParser(t *testing.T) {
	srv := ftptest.Start(t, ftptest.WithListing("FILE custom.dat"))
	s := connect(t, srv, nil, WithListParser(upperParser{}))

	entries, err := s.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "custom.dat", entries[0].Name)
	assert.True(t, hasCommand(srv, "LIST"))
}

func TestBandwidthLimit(t *testing.T) {
	srv := ftptest.Start(t)
	s := connect(t, srv, nil, WithBandwidthLimit(100_000))

	start := time.Now()
	_, err := s.Store(context.Background(), "/slow.bin", bytes.NewReader(randomBytes(t, 250_000)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func secureServer(t *testing.T, implicit bool) (*ftptest.Server, *tls.Config) {
	t.Helper()
	serverCfg, pool, err := ftptest.SelfSigned()
	require.NoError(t, err)
	opt := ftptest.WithTLS(serverCfg)
	if implicit {
		opt = ftptest.WithImplicitTLS(serverCfg)
	}
	return ftptest.Start(t, opt), &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

func TestSecureModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     SecureMode
		implicit bool
		want     []string
	}{
		{"explicit", SecureExplicit, false, []string{"AUTH TLS", "PBSZ 0", "PROT P"}},
		{"control only", SecureControl, false, []string{"AUTH TLS", "PBSZ 0", "PROT C"}},
		{"implicit", SecureImplicit, true, []string{"PBSZ 0", "PROT P"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, clientCfg := secureServer(t, tt.implicit)
			s := connect(t, srv, func(o *ConnectionOptions) {
				o.Secure = tt.mode
				o.TLS.Config = clientCfg
			})
			ctx := context.Background()
			payload := randomBytes(t, 200_000)

			_, err := s.Store(ctx, "/secure.bin", bytes.NewReader(payload))
			require.NoError(t, err)
			dl, err := s.Retrieve(ctx, "/secure.bin")
			require.NoError(t, err)
			got, err := readAll(dl)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got))

			entries, err := s.List(ctx, "/")
			require.NoError(t, err)
			require.Len(t, entries, 1)

			for _, cmd := range tt.want {
				assert.True(t, hasCommand(srv, cmd), "missing %s", cmd)
			}
		})
	}
}

func TestSecureUntrustedCertificate(t *testing.T) {
	srv, _ := secureServer(t, false)
	opts := testOptions(srv)
	opts.Secure = SecureExplicit

	s, err := NewSession(opts)
	require.NoError(t, err)
	defer s.Close()

	requireKind(t, s.Connect(context.Background()), KindConnect)
}
