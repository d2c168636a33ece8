package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/license"
	"github.com/InsulaLabs/depot/registry"
	"github.com/InsulaLabs/depot/replication"
)

// HeaderLicenseStatus explains a 403 on the asset serving path.
const HeaderLicenseStatus = "X-License-Status"

// deliveryWriter records whether the response has started, after which a
// failure can only be signalled by aborting the connection.
type deliveryWriter struct {
	w       http.ResponseWriter
	started bool
}

func (d *deliveryWriter) Write(p []byte) (int, error) {
	d.started = true
	return d.w.Write(p)
}

func (d *deliveryWriter) Flush() {
	if f, ok := d.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *Core) authorize(ctx context.Context, w http.ResponseWriter, assetID string) bool {
	if !c.cfg.Licenses.Require {
		return true
	}
	err := c.gate.Authorize(ctx, assetID)
	var status string
	switch {
	case err == nil:
		c.metrics.LicenseCheck("ok")
		return true
	case errors.Is(err, license.ErrNotFound):
		status = "missing"
	case errors.Is(err, license.ErrExpired):
		status = "expired"
	default:
		status = "invalid"
	}
	c.metrics.LicenseCheck(status)
	c.logger.Debug("license check denied access", "asset_id", assetID, "status", status)
	w.Header().Set(HeaderLicenseStatus, status)
	w.WriteHeader(http.StatusForbidden)
	return false
}

func setAssetHeaders(h http.Header, meta models.Asset) {
	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("ETag", `"`+meta.Hash+`"`)
	h.Set("Cache-Control", "private, max-age=31536000, immutable")
	if meta.OriginalName != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.OriginalName}))
	}
}

// getAssetHandler serves GET /api/v1/assets/{id}: from the local store when
// present, otherwise by replicating from a holder while streaming.
func (c *Core) getAssetHandler(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if !cas.ValidHash(assetID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if !c.authorize(r.Context(), w, assetID) {
		return
	}

	rc, asset, err := c.store.Open(assetID)
	switch {
	case err == nil:
		defer rc.Close()
		meta, lookupErr := c.catalog.Lookup(assetID)
		if lookupErr != nil {
			meta = models.Asset{Hash: asset.Hash, Size: asset.Size, CreatedAt: asset.CreatedAt}
		}
		setAssetHeaders(w.Header(), meta)
		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, "", asset.CreatedAt, rs)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
		io.Copy(w, rc)
		return
	case !errors.Is(err, cas.ErrNotFound):
		c.logger.Error("could not open asset", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	out := &deliveryWriter{w: w}
	_, err = c.fetcher.Fetch(r.Context(), assetID, out, func(meta models.Asset) {
		setAssetHeaders(w.Header(), meta)
	})
	if err == nil {
		return
	}
	if out.started {
		// Headers and part of the body are gone; cut the stream so the
		// client cannot take it for complete.
		c.logger.Warn("replicated delivery failed mid stream", "asset_id", assetID, "error", err)
		panic(http.ErrAbortHandler)
	}

	var rerr *replication.ReplicationError
	switch {
	case errors.Is(err, registry.ErrNoHolder):
		w.WriteHeader(http.StatusNotFound)
	case errors.As(err, &rerr) && rerr.Status == http.StatusNotFound:
		w.WriteHeader(http.StatusNotFound)
	default:
		c.logger.Error("could not replicate asset", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
}

func (c *Core) assetMetaHandler(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	meta, err := c.catalog.Lookup(assetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		c.logger.Error("could not load asset metadata", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

type licenseResponse struct {
	AssetID   string    `json:"asset_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// issueLicenseHandler serves POST /api/v1/licenses/{id}. Licenses are only
// issued for assets known to the cluster.
func (c *Core) issueLicenseHandler(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if !cas.ValidHash(assetID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !c.store.Has(assetID) {
		holders, err := c.registry.Holders(r.Context(), assetID)
		if err != nil {
			c.logger.Error("could not query registry", "asset_id", assetID, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if len(holders) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}

	lic, err := c.gate.Issue(r.Context(), assetID)
	if err != nil {
		c.logger.Error("could not issue license", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if c.metrics != nil {
		c.metrics.Add(c.metrics.LicensesIssued, 1)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(licenseResponse{AssetID: lic.AssetID, ExpiresAt: lic.ExpiresAt})
}

func (c *Core) pingHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(c.startedAt).String()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":        "ok",
		"node":          c.nodeID,
		"node-badge-id": c.identity.GetID(),
		"uptime":        uptime,
	})
}
