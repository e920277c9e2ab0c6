// Package relay copies an upstream response body to a client with a bounded
// queue between the reader and the writer.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"iptv-proxy/work/buffer"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/metrics"

	"github.com/benbjohnson/clock"
	"github.com/valyala/bytebufferpool"
)

// queueDepth bounds how many chunks may be read ahead of the client.
const queueDepth = 8

// ErrReadTimeout is returned when no chunk was delivered within the read timeout.
var ErrReadTimeout = errors.New("relay: read timeout")

// Sink receives relayed bytes. Close is called exactly once, after the last Write.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
}

// Options configures a Relay.
type Options struct {
	Upstream    string        // metrics label
	RequestID   string        // log prefix
	ReadTimeout time.Duration // abort when no chunk was written for this long
	UserTimeout time.Duration // idle budget added to the session after every write
	Touch       func(until time.Time)
	Clock       clock.Clock
	Buffers     *buffer.BufferPool
}

// Relay pumps one upstream body into one sink.
type Relay struct {
	opts  Options
	src   io.ReadCloser
	dst   Sink
	queue chan *bytebufferpool.ByteBuffer

	lastWrite atomic.Int64
	timedOut  atomic.Bool
	closeSrc  sync.Once

	watchdogMu sync.Mutex
	watchdog   *clock.Timer
	stopped    bool

	bytesRead    atomic.Int64
	bytesWritten int64
}

// New creates a relay from src to dst.
func New(src io.ReadCloser, dst Sink, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Buffers == nil {
		opts.Buffers = buffer.NewBufferPool(64 * 1024)
	}
	return &Relay{
		opts:  opts,
		src:   src,
		dst:   dst,
		queue: make(chan *bytebufferpool.ByteBuffer, queueDepth),
	}
}

// Run relays until the upstream ends, the watchdog fires, the client fails or
// ctx is cancelled. The upstream is closed and the sink is closed once on return.
//
// The end of the upstream is signalled by a zero-length chunk travelling through
// the same queue as the data, so every chunk read before it is written first.
func (r *Relay) Run(ctx context.Context) error {
	start := r.opts.Clock.Now()
	r.lastWrite.Store(start.UnixNano())
	r.armWatchdog(r.opts.ReadTimeout)

	done := make(chan struct{})
	produced := make(chan error, 1)
	go func() {
		produced <- r.produce(ctx, done)
	}()

	err := r.drain(ctx)

	close(done)
	r.stopWatchdog()
	r.closeUpstream()
	if cerr := r.dst.Close(); err == nil && cerr != nil {
		err = cerr
	}

	// release anything the producer managed to queue after we stopped
	for drained := false; !drained; {
		select {
		case b := <-r.queue:
			r.opts.Buffers.Put(b)
		default:
			drained = true
		}
	}

	if err == nil && r.timedOut.Load() {
		err = ErrReadTimeout
	}

	var readErr error
	select {
	case readErr = <-produced:
	default:
	}
	r.logSpeed(start, readErr, err)
	return err
}

// produce reads upstream chunks into pooled buffers and finishes with the sentinel.
func (r *Relay) produce(ctx context.Context, done <-chan struct{}) error {
	for {
		buf := r.opts.Buffers.Get()
		n, err := r.src.Read(buf.B[:cap(buf.B)])
		if n > 0 {
			buf.B = buf.B[:n]
			r.bytesRead.Add(int64(n))
			metrics.BytesTransferred.WithLabelValues(r.opts.Upstream, "upstream").Add(float64(n))
			if !r.enqueue(ctx, done, buf) {
				return nil
			}
		} else {
			r.opts.Buffers.Put(buf)
		}
		if err != nil {
			sentinel := r.opts.Buffers.Get()
			r.enqueue(ctx, done, sentinel)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (r *Relay) enqueue(ctx context.Context, done <-chan struct{}, buf *bytebufferpool.ByteBuffer) bool {
	select {
	case r.queue <- buf:
		return true
	case <-done:
	case <-ctx.Done():
	}
	r.opts.Buffers.Put(buf)
	return false
}

// drain writes queued chunks in order until the sentinel arrives.
func (r *Relay) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-r.queue:
			if len(buf.B) == 0 {
				r.opts.Buffers.Put(buf)
				return nil
			}
			n, err := r.dst.Write(buf.B)
			r.opts.Buffers.Put(buf)
			r.bytesWritten += int64(n)
			metrics.BytesTransferred.WithLabelValues(r.opts.Upstream, "downstream").Add(float64(n))
			if err != nil {
				metrics.StreamErrors.WithLabelValues(r.opts.Upstream, "client_write").Inc()
				return err
			}

			now := r.opts.Clock.Now()
			r.lastWrite.Store(now.UnixNano())
			if r.opts.Touch != nil {
				r.opts.Touch(now.Add(r.opts.UserTimeout))
			}
		}
	}
}

// armWatchdog schedules the read-timeout check.
func (r *Relay) armWatchdog(after time.Duration) {
	if r.opts.ReadTimeout <= 0 {
		return
	}
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	if r.stopped {
		return
	}
	r.watchdog = r.opts.Clock.AfterFunc(after, r.checkReadTimeout)
}

// checkReadTimeout aborts the upstream when the last write is too old, else re-arms
// for the remaining time. Closing the upstream makes the producer emit the sentinel.
func (r *Relay) checkReadTimeout() {
	idle := r.opts.Clock.Now().Sub(time.Unix(0, r.lastWrite.Load()))
	if idle < r.opts.ReadTimeout {
		r.armWatchdog(r.opts.ReadTimeout - idle)
		return
	}
	logger.Warn("{relay - checkReadTimeout} %sno data for %v, aborting", r.opts.RequestID, idle.Round(time.Millisecond))
	metrics.StreamErrors.WithLabelValues(r.opts.Upstream, "read_timeout").Inc()
	r.timedOut.Store(true)
	r.closeUpstream()
}

func (r *Relay) stopWatchdog() {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	r.stopped = true
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
}

func (r *Relay) closeUpstream() {
	r.closeSrc.Do(func() {
		r.src.Close()
	})
}

// logSpeed reports the transfer size and rate of the finished relay.
func (r *Relay) logSpeed(start time.Time, readErr, err error) {
	elapsed := r.opts.Clock.Now().Sub(start)
	read := r.bytesRead.Load()
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(r.bytesWritten) / elapsed.Seconds() / 1024
	}
	if err != nil || (readErr != nil && !r.timedOut.Load()) {
		logger.Debug("{relay - Run} %sfinished with error after %v: read %d, wrote %d bytes (%.1f KB/s): upstream=%v client=%v",
			r.opts.RequestID, elapsed.Round(time.Millisecond), read, r.bytesWritten, rate, readErr, err)
		return
	}
	logger.Debug("{relay - Run} %sfinished after %v: read %d, wrote %d bytes (%.1f KB/s)",
		r.opts.RequestID, elapsed.Round(time.Millisecond), read, r.bytesWritten, rate)
}
