package stream

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize = 32 << 10
	DefaultDepth     = 4
)

// Sink is one destination of a fan-out. A best-effort sink that fails is
// detached and drained; it never cancels the other sinks. A failing
// required sink cancels the whole fan-out.
type Sink struct {
	Name       string
	W          io.Writer
	BestEffort bool
}

type Options struct {
	ChunkSize int
	// Depth is the number of chunks buffered per sink before the reader
	// blocks.
	Depth int
}

type Result struct {
	// Read is the number of bytes taken from the source.
	Read int64
	// Detached holds the error of every best-effort sink that failed.
	Detached map[string]error
}

type flusher interface {
	Flush()
}

// Fanout reads src once and feeds the same ordered chunk sequence to every
// sink. Each sink runs in its own goroutine behind a bounded channel, so a
// slow sink applies backpressure to the reader instead of buffering the
// payload. Chunks are shared between sinks and must not be modified.
func Fanout(ctx context.Context, src io.Reader, opts Options, sinks ...Sink) (Result, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		mu       sync.Mutex
		detached = make(map[string]error)
		read     int64
	)

	chans := make([]chan []byte, len(sinks))
	for i := range sinks {
		chans[i] = make(chan []byte, opts.Depth)
	}

	for i, sink := range sinks {
		ch := chans[i]
		g.Go(func() error {
			failed := false
			f, canFlush := sink.W.(flusher)
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case chunk, ok := <-ch:
					if !ok {
						return nil
					}
					if failed {
						continue
					}
					if _, err := sink.W.Write(chunk); err != nil {
						if !sink.BestEffort {
							return err
						}
						failed = true
						mu.Lock()
						detached[sink.Name] = err
						mu.Unlock()
						continue
					}
					if canFlush {
						f.Flush()
					}
				}
			}
		})
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
		}()
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, opts.ChunkSize)
			n, err := src.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				read += int64(n)
				for _, ch := range chans {
					select {
					case ch <- chunk:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	return Result{Read: read, Detached: detached}, err
}
