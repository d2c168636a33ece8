package replication

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/internal/peerauth"
	"github.com/InsulaLabs/depot/metrics"
)

// Handler serves GET /internal/v1/assets/{id} to peer nodes. The signature
// is checked before the store is consulted, so an unauthenticated caller
// learns nothing about which assets exist.
type Handler struct {
	logger   *slog.Logger
	store    *cas.Store
	catalog  *catalog.Catalog
	verifier *peerauth.Verifier
	metrics  *metrics.Metrics
}

type HandlerConfig struct {
	Logger   *slog.Logger
	Store    *cas.Store
	Catalog  *catalog.Catalog
	Verifier *peerauth.Verifier
	Metrics  *metrics.Metrics
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		logger:   cfg.Logger.WithGroup("replication"),
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
	}
}

// Pattern is the mux pattern the handler expects to be mounted on.
const Pattern = "GET " + routeFetch + "{id}"

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if assetID == "" {
		assetID = strings.TrimPrefix(r.URL.Path, routeFetch)
	}

	claim, err := h.verifier.Verify(r.Header.Get(peerauth.Header), fetchSubject(assetID))
	if err != nil {
		h.reply(w, http.StatusUnauthorized)
		return
	}

	rc, asset, err := h.store.Open(assetID)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) || errors.Is(err, cas.ErrInvalidHash) {
			h.reply(w, http.StatusNotFound)
			return
		}
		h.logger.Error("could not open asset for peer", "asset_id", assetID, "node", claim.Node, "error", err)
		h.reply(w, http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if meta, err := h.catalog.Lookup(assetID); err == nil {
		if meta.MimeType != "" {
			contentType = meta.MimeType
		}
		if meta.OriginalName != "" {
			w.Header().Set(HeaderAssetName, meta.OriginalName)
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.Internal(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("peer went away mid transfer", "asset_id", assetID, "node", claim.Node, "error", err)
	}
}

func (h *Handler) reply(w http.ResponseWriter, status int) {
	h.metrics.Internal(status)
	w.WriteHeader(status)
}
