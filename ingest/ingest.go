package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/internal/stream"
	"github.com/InsulaLabs/depot/metrics"
	"github.com/InsulaLabs/depot/registry"
)

// HeaderAssetID carries the content address of a stored upload.
const HeaderAssetID = "X-Asset-Id"

var ErrShortBody = errors.New("body shorter than declared length")

type Config struct {
	Logger   *slog.Logger
	NodeID   string
	Store    *cas.Store
	Catalog  *catalog.Catalog
	Registry registry.Registry
	Policy   Policy
	Metrics  *metrics.Metrics
}

type Pipeline struct {
	logger   *slog.Logger
	nodeID   string
	store    *cas.Store
	catalog  *catalog.Catalog
	registry registry.Registry
	policy   Policy
	metrics  *metrics.Metrics
}

type Result struct {
	Asset   models.Asset
	Deduped bool
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		logger:   cfg.Logger.WithGroup("ingest"),
		nodeID:   cfg.NodeID,
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
	}
}

// Ingest reads exactly d.Length bytes from body in one pass, feeding the
// same chunks to a hash accumulator and a staging target. The upload is
// acknowledged only once it is committed, recorded and registered. On any
// failure the staging target is discarded.
func (p *Pipeline) Ingest(ctx context.Context, d Descriptor, body io.Reader) (Result, error) {
	started := time.Now()

	st, err := p.store.Stage()
	if err != nil {
		return Result{}, err
	}
	defer p.store.Abort(st)

	hasher := cas.NewHash()
	res, err := stream.Fanout(ctx, io.LimitReader(body, d.Length+1), stream.Options{},
		stream.Sink{Name: "hash", W: hasher},
		stream.Sink{Name: "staging", W: st},
	)
	if err != nil {
		return Result{}, fmt.Errorf("could not read upload: %w", err)
	}
	if res.Read > d.Length {
		return Result{}, &CapacityError{Limit: d.Length, Length: res.Read}
	}
	if res.Read < d.Length {
		return Result{}, ErrShortBody
	}

	// Both sinks saw the same byte sequence, so the store's own digest has
	// to agree with ours.
	sum := hex.EncodeToString(hasher.Sum(nil))
	asset, deduped, err := p.store.Commit(st, sum)
	if err != nil {
		return Result{}, err
	}

	record, err := p.catalog.Record(models.Asset{
		Hash:         asset.Hash,
		Size:         asset.Size,
		CreatedAt:    asset.CreatedAt,
		OriginalName: d.Name,
		Extension:    d.Extension,
		MimeType:     d.MimeType,
		NodeID:       p.nodeID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("could not record metadata for %s: %w", asset.Hash, err)
	}

	if err := p.registry.AddHolder(ctx, asset.Hash, p.nodeID); err != nil {
		return Result{}, fmt.Errorf("could not register holder for %s: %w", asset.Hash, err)
	}

	if p.metrics != nil {
		p.metrics.Add(p.metrics.UploadBytes, float64(asset.Size))
		p.metrics.Observe(p.metrics.UploadDuration, time.Since(started).Seconds())
		if deduped {
			p.metrics.Add(p.metrics.DedupHits, 1)
		}
	}

	p.logger.Info("stored upload",
		"asset_id", asset.Hash,
		"size", asset.Size,
		"name", d.Name,
		"deduped", deduped,
	)
	return Result{Asset: record, Deduped: deduped}, nil
}

// ServeHTTP handles POST /api/v1/assets. Responses carry a status and, on
// success, the asset id header; never a body.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Nothing has touched r.Body yet, so a client waiting on
	// "Expect: 100-continue" is refused without sending its payload.
	d, err := p.policy.Validate(r.Header, r.ContentLength)
	if err != nil {
		status := StatusOf(err)
		p.logger.Debug("rejected upload", "status", status, "reason", err)
		p.metrics.Upload(status)
		w.WriteHeader(status)
		return
	}

	res, err := p.Ingest(r.Context(), d, r.Body)
	if err != nil {
		status := StatusOf(err)
		if status >= http.StatusInternalServerError {
			p.logger.Error("upload failed", "name", d.Name, "error", err)
		} else {
			p.logger.Debug("rejected upload", "status", status, "reason", err)
		}
		p.metrics.Upload(status)
		w.WriteHeader(status)
		return
	}

	p.metrics.Upload(http.StatusCreated)
	w.Header().Set(HeaderAssetID, res.Asset.Hash)
	w.Header().Set("Location", "/api/v1/assets/"+res.Asset.Hash)
	w.WriteHeader(http.StatusCreated)
}
