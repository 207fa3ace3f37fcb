package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/readback"
	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/backend/software"
	"github.com/gogpu/readback/internal/dispatch"
	"github.com/gogpu/readback/metrics"
)

// demoTexture is a software texture with a known engine ID and the contents
// it was filled with.
type demoTexture struct {
	*software.Texture
	id   readback.ResourceID
	want []byte
}

func (t *demoTexture) ResourceID() readback.ResourceID { return t.id }
func (t *demoTexture) NativeHandle() (any, error)      { return t.Texture, nil }

type demoBuffer struct {
	*software.Buffer
	id   readback.ResourceID
	want []byte
}

func (b *demoBuffer) ResourceID() readback.ResourceID { return b.id }
func (b *demoBuffer) NativeHandle() (any, error)      { return b.Buffer, nil }

// summary is what run reports once every readback completed.
type summary struct {
	textures int
	buffers  int
	bytes    uint64
	frames   uint64
	elapsed  time.Duration
	stats    readback.Stats
	wrote    bool
}

// run reads back cfg.Textures textures and one structured buffer through a
// coordinator whose checkpoints run on an emulated render thread.
func run(ctx context.Context, cfg Config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := []readback.Option{
		readback.WithSlotCapacity(cfg.Slots),
		readback.WithStagingBudget(cfg.StagingMB),
		readback.WithOwnedBackend(),
	}
	var registry *prometheus.Registry
	if cfg.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		m, err := metrics.NewReadbackMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, readback.WithMetrics(m))
	}

	textures, buf, err := newResources(cfg)
	if err != nil {
		return err
	}

	c := readback.New(software.New(software.WithLatency(cfg.Latency)), opts...)
	thread := dispatch.NewThread(cfg.FPS, c.Checkpoint)

	// The render thread outlives ctx so it can run Close.
	threadCtx, stopThread := context.WithCancel(context.Background())
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return thread.Run(threadCtx) })

	if registry != nil {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			readback.Logger().Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-done
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var sum summary
	g.Go(func() error {
		defer stopThread()
		defer close(done)

		start := time.Now()
		err := readAll(gctx, c, cfg, textures, buf)
		sum = summary{
			textures: len(textures),
			buffers:  1,
			elapsed:  time.Since(start),
			frames:   thread.Frames(),
			stats:    c.Stats(),
		}
		for _, t := range textures {
			sum.bytes += uint64(len(t.want))
		}
		sum.bytes += uint64(len(buf.want))

		if err := thread.Call(context.Background(), c.Close); err != nil {
			// The thread is gone; nothing else touches the device.
			c.Close()
		}
		if err != nil {
			return err
		}
		if cfg.Output != "" {
			d := textures[0].Desc()
			if err := writeImage(cfg.Output, d.Width, d.Height, d.Format, textures[0].want); err != nil {
				if errors.Is(err, errNoImage) {
					readback.Logger().Warn("skipping image output", "error", err)
					return nil
				}
				return err
			}
			sum.wrote = true
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "read back %d textures and %d buffer (%d bytes) in %v over %d frames\n",
		sum.textures, sum.buffers, sum.bytes, sum.elapsed.Round(time.Millisecond), sum.frames)
	fmt.Fprintln(out, sum.stats)
	if sum.wrote {
		fmt.Fprintf(out, "wrote %s\n", cfg.Output)
	}
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return mux
}

// newResources creates the textures and buffer and fills them with
// deterministic contents.
func newResources(cfg Config) ([]*demoTexture, *demoBuffer, error) {
	bpp := backend.BytesPerPixel(cfg.Format)
	textures := make([]*demoTexture, 0, cfg.Textures)
	for i := range cfg.Textures {
		tex, err := software.NewTexture(cfg.Width, cfg.Height, cfg.Format)
		if err != nil {
			return nil, nil, fmt.Errorf("texture %d: %w", i, err)
		}
		want := fillTexture(cfg.Width, cfg.Height, cfg.Format, bpp, byte(i))
		if err := tex.Write(want); err != nil {
			return nil, nil, fmt.Errorf("texture %d: %w", i, err)
		}
		textures = append(textures, &demoTexture{Texture: tex, id: readback.ResourceID(i + 1), want: want})
	}

	b, err := software.NewBuffer(cfg.Stride, cfg.Elements)
	if err != nil {
		return nil, nil, fmt.Errorf("buffer: %w", err)
	}
	want := make([]byte, b.Desc().ByteSize())
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := b.Write(want); err != nil {
		return nil, nil, fmt.Errorf("buffer: %w", err)
	}
	return textures, &demoBuffer{Buffer: b, id: readback.ResourceID(cfg.Textures + 1), want: want}, nil
}

// readAll reads every resource back concurrently, at most cfg.Slots at a
// time, and checks the retrieved bytes.
func readAll(ctx context.Context, c *readback.Coordinator, cfg Config, textures []*demoTexture, buf *demoBuffer) error {
	interval := time.Duration(float64(time.Second) / cfg.FPS)
	sem := semaphore.NewWeighted(int64(cfg.Slots))
	g, gctx := errgroup.WithContext(ctx)

	check := func(res readback.Resource, want []byte) func() error {
		return func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			got, err := readOne(gctx, c, res, interval)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return fmt.Errorf("resource %v: retrieved bytes differ from source", res.ResourceID())
			}
			readback.Logger().Debug("readback verified", "resource", res.ResourceID(), "bytes", len(got))
			return nil
		}
	}
	for _, t := range textures {
		g.Go(check(t, t.want))
	}
	g.Go(check(buf, buf.want))
	return g.Wait()
}

// readOne requests a readback and polls until it completes. A busy slot
// table or an unfinished copy is retried every frame.
func readOne(ctx context.Context, c *readback.Coordinator, res readback.Resource, interval time.Duration) ([]byte, error) {
	h, st := c.Resolve(res)
	if st.Failed() {
		return nil, fmt.Errorf("resolve %v: %w", res.ResourceID(), st.Err())
	}
	request, retrieve := c.RequestTexture, c.RetrieveTexture
	if h.Kind() == backend.KindBuffer {
		request, retrieve = c.RequestBuffer, c.RetrieveBuffer
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}

	for {
		st := request(h)
		if st == readback.Succeeded {
			break
		}
		if st != readback.TooManyRequests && st != readback.CopyInProgress {
			return nil, fmt.Errorf("request %v: %w", res.ResourceID(), st.Err())
		}
		if err := wait(); err != nil {
			return nil, err
		}
	}

	dst := make([]byte, res.Desc().ByteSize())
	for {
		switch st := retrieve(h, dst); st {
		case readback.Succeeded:
			c.Release(h)
			return dst, nil
		case readback.NotReady:
		default:
			return nil, fmt.Errorf("retrieve %v: %w", res.ResourceID(), st.Err())
		}
		if err := wait(); err != nil {
			return nil, err
		}
	}
}
