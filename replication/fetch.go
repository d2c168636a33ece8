package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/internal/peerauth"
	"github.com/InsulaLabs/depot/internal/stream"
	"github.com/InsulaLabs/depot/metrics"
	"github.com/InsulaLabs/depot/registry"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxAttempts  = 3

	// HeaderAssetName carries the original file name between nodes.
	HeaderAssetName = "X-Asset-Name"

	routeFetch = "/internal/v1/assets/"
)

func fetchSubject(assetID string) string {
	return "fetch:" + assetID
}

type Config struct {
	Logger   *slog.Logger
	NodeID   string
	Store    *cas.Store
	Catalog  *catalog.Catalog
	Registry registry.Registry
	Signer   *peerauth.Signer
	// Peers maps node ids to the base URL of their HTTP binding.
	Peers        map[string]string
	Client       *http.Client
	FetchTimeout time.Duration
	MaxAttempts  int
	Metrics      *metrics.Metrics
}

// Fetcher pulls assets this node does not hold from the nodes that do.
type Fetcher struct {
	logger       *slog.Logger
	nodeID       string
	store        *cas.Store
	catalog      *catalog.Catalog
	registry     registry.Registry
	signer       *peerauth.Signer
	peers        map[string]string
	client       *http.Client
	fetchTimeout time.Duration
	maxAttempts  int
	metrics      *metrics.Metrics
}

func New(cfg Config) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Fetcher{
		logger:       cfg.Logger.WithGroup("replication"),
		nodeID:       cfg.NodeID,
		store:        cfg.Store,
		catalog:      cfg.Catalog,
		registry:     cfg.Registry,
		signer:       cfg.Signer,
		peers:        cfg.Peers,
		client:       cfg.Client,
		fetchTimeout: cfg.FetchTimeout,
		maxAttempts:  cfg.MaxAttempts,
		metrics:      cfg.Metrics,
	}
}

// countingWriter records whether anything reached the caller, which decides
// if another holder may still be tried.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// idleReader arms timer for the duration of every Read, so it only fires
// when the peer stalls.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	i.timer.Reset(i.idle)
	n, err := i.r.Read(p)
	i.timer.Stop()
	return n, err
}

// Fetch streams assetID from a remote holder into dst while writing a local
// copy through to the store. Holders are tried in random order until one
// succeeds, but only while nothing has been written to dst. A failure of
// the local copy is logged and never interrupts delivery to dst.
//
// onStart, if set, is called with the holder's metadata before anything is
// written to dst. It may be called again if that holder fails early.
func (f *Fetcher) Fetch(ctx context.Context, assetID string, dst io.Writer, onStart func(models.Asset)) (models.Asset, error) {
	if !cas.ValidHash(assetID) {
		return models.Asset{}, cas.ErrInvalidHash
	}

	holders, err := registry.Shuffled(ctx, f.registry, assetID, f.nodeID)
	if err != nil {
		return models.Asset{}, err
	}
	if len(holders) > f.maxAttempts {
		holders = holders[:f.maxAttempts]
	}

	out := &countingWriter{w: dst}
	var lastErr error
	for _, node := range holders {
		asset, err := f.fetchFrom(ctx, node, assetID, out, onStart)
		if err == nil {
			f.metrics.Fetch("ok")
			return asset, nil
		}
		lastErr = err
		f.metrics.Fetch("failed")
		f.logger.Warn("fetch from holder failed", "asset_id", assetID, "node", node, "error", err)
		if out.n > 0 || ctx.Err() != nil {
			break
		}
	}
	return models.Asset{}, lastErr
}

func (f *Fetcher) fetchFrom(ctx context.Context, node, assetID string, out *countingWriter, onStart func(models.Asset)) (models.Asset, error) {
	base, ok := f.peers[node]
	if !ok {
		return models.Asset{}, &ReplicationError{Node: node, Err: ErrUnknownPeer}
	}

	// fetchTimeout bounds the time spent waiting on the peer: until the
	// response headers arrive, then between body reads. Time blocked on a
	// slow caller does not count.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(f.fetchTimeout, func() { cancel(ErrPeerTimeout) })
	defer timer.Stop()

	fail := func(status int, err error) (models.Asset, error) {
		if errors.Is(context.Cause(ctx), ErrPeerTimeout) {
			err = ErrPeerTimeout
		}
		return models.Asset{}, &ReplicationError{Node: node, Status: status, Err: err}
	}

	token, err := f.signer.Token(node, fetchSubject(assetID))
	if err != nil {
		return fail(0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+routeFetch+url.PathEscape(assetID), nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set(peerauth.Header, token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	timer.Stop()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		var cause error
		if resp.StatusCode == http.StatusUnauthorized {
			cause = ErrUnauthorized
		}
		return models.Asset{}, &ReplicationError{Node: node, Status: resp.StatusCode, Err: cause}
	}

	meta := models.Asset{
		Hash:         assetID,
		Size:         resp.ContentLength,
		OriginalName: resp.Header.Get(HeaderAssetName),
		MimeType:     resp.Header.Get("Content-Type"),
		NodeID:       node,
	}
	if onStart != nil {
		onStart(meta)
	}

	sinks := []stream.Sink{{Name: "client", W: out}}
	st, stageErr := f.store.Stage()
	if stageErr != nil {
		f.logger.Warn("write-through disabled for fetch", "asset_id", assetID, "error", stageErr)
		f.dropped()
	} else {
		defer f.store.Abort(st)
		sinks = append(sinks, stream.Sink{Name: "cache", W: st, BestEffort: true})
	}

	body := &idleReader{r: resp.Body, timer: timer, idle: f.fetchTimeout}
	res, err := stream.Fanout(ctx, body, stream.Options{}, sinks...)
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if f.metrics != nil {
		f.metrics.Add(f.metrics.ReplicationBytes, float64(res.Read))
	}
	meta.Size = res.Read

	if st == nil {
		return meta, nil
	}
	if cacheErr, failed := res.Detached["cache"]; failed {
		f.logger.Warn("write-through copy discarded", "asset_id", assetID, "error", cacheErr)
		f.dropped()
		return meta, nil
	}

	asset, _, err := f.store.Commit(st, assetID)
	if err != nil {
		if errors.Is(err, cas.ErrHashMismatch) {
			// The caller already has the bytes; they are reported as corrupt
			// rather than cached.
			return models.Asset{}, &ReplicationError{Node: node, Status: resp.StatusCode, Err: err}
		}
		f.logger.Warn("could not commit write-through copy", "asset_id", assetID, "error", err)
		f.dropped()
		return meta, nil
	}
	meta.CreatedAt = asset.CreatedAt

	if _, err := f.catalog.Record(meta); err != nil {
		f.logger.Warn("could not record replicated metadata", "asset_id", assetID, "error", err)
	}
	if err := f.registry.AddHolder(ctx, assetID, f.nodeID); err != nil {
		f.logger.Warn("could not register as holder", "asset_id", assetID, "error", err)
	}

	f.logger.Info("replicated asset", "asset_id", assetID, "from", node, "size", asset.Size)
	return meta, nil
}

func (f *Fetcher) dropped() {
	if f.metrics != nil {
		f.metrics.Add(f.metrics.WriteThroughDropped, 1)
	}
}

// BaseURL turns an http binding from the config into a peer base URL.
func BaseURL(binding string, tls bool) string {
	if tls {
		return fmt.Sprintf("https://%s", binding)
	}
	return fmt.Sprintf("http://%s", binding)
}
