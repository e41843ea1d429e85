// Package ratelimit provides token bucket bandwidth throttling for SFTP
// file transfers.
//
// Limiters are shared: a single global limiter caps the whole server and a
// fresh per-session limiter caps each client. Transfers wait on every
// limiter in the chain, so the most restrictive one wins. Waits honour a
// context so a shutting-down session never sleeps on a throttled transfer.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter limits the rate of data transfer to a number of bytes per second.
// A nil *Limiter is valid and never waits.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a limiter for the given bytes per second.
// The burst equals one second worth of data, so short bursts pass
// immediately while the average rate holds over time.
// It returns nil when bytesPerSecond is zero or negative (unlimited).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst < 0 {
		burst = int(^uint(0) >> 1)
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// WaitN blocks until n bytes may pass or ctx is done.
// Requests larger than the burst are split so they never fail outright.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.rl.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.rl.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// chain applies every non-nil limiter in order.
type chain []*Limiter

func newChain(limiters []*Limiter) chain {
	var c chain
	for _, l := range limiters {
		if l != nil {
			c = append(c, l)
		}
	}
	return c
}

func (c chain) wait(ctx context.Context, n int) error {
	for _, l := range c {
		if err := l.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

type readerAt struct {
	r      io.ReaderAt
	ctx    context.Context
	limits chain
}

// NewReaderAt wraps r so that every ReadAt is throttled by the limiters.
// If no limiter is set, r is returned unchanged.
func NewReaderAt(ctx context.Context, r io.ReaderAt, limiters ...*Limiter) io.ReaderAt {
	c := newChain(limiters)
	if len(c) == 0 {
		return r
	}
	return &readerAt{r: r, ctx: ctx, limits: c}
}

// ReadAt reads first and then charges the bytes actually read, so a short
// read at end of file is not billed for the whole buffer.
func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	if werr := r.limits.wait(r.ctx, n); werr != nil {
		return n, werr
	}
	return n, err
}

type writerAt struct {
	w      io.WriterAt
	ctx    context.Context
	limits chain
}

// NewWriterAt wraps w so that every WriteAt is throttled by the limiters.
// If no limiter is set, w is returned unchanged.
func NewWriterAt(ctx context.Context, w io.WriterAt, limiters ...*Limiter) io.WriterAt {
	c := newChain(limiters)
	if len(c) == 0 {
		return w
	}
	return &writerAt{w: w, ctx: ctx, limits: c}
}

// WriteAt charges the bytes before writing to apply backpressure.
func (w *writerAt) WriteAt(p []byte, off int64) (int, error) {
	if err := w.limits.wait(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.WriteAt(p, off)
}
