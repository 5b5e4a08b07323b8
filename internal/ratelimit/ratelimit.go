// Package ratelimit throttles data channel throughput with a token bucket.
//
// The bucket is golang.org/x/time/rate; this package adapts it to
// io.Reader/io.Writer so that a data lease can be wrapped transparently.
// Waits honour a context so that a cancelled transfer does not sleep.
package ratelimit

import (
	"context"
	"io"
	"math"

	"golang.org/x/time/rate"
)

// maxChunk caps a single token request so that a large read or write is
// spread over several waits.
const maxChunk = 32 * 1024

// New creates a limiter for bytesPerSecond with a one second burst.
// It returns nil (unlimited) for non-positive rates.
func New(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst > math.MaxInt32 {
		burst = math.MaxInt32
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

func chunk(l *rate.Limiter, n int) int {
	n = min(n, maxChunk)
	if b := l.Burst(); n > b {
		n = b
	}
	return n
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewReader wraps r so that reads are throttled by limiter.
// If limiter is nil, r is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// Read implements io.Reader. Tokens are taken for the bytes actually read.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.r.Read(p[:chunk(r.limiter, len(p))])
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewWriter wraps w so that writes are throttled by limiter.
// If limiter is nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write implements io.Writer, consuming tokens before each chunk to apply
// backpressure.
func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		size := chunk(w.limiter, len(p)-written)
		if err := w.limiter.WaitN(w.ctx, size); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+size])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
