package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/internal/peerauth"
)

const routeLicense = "/internal/v1/licenses/{asset}"

func subjectGet(assetID string) string    { return "license:get:" + assetID }
func subjectPut(assetID string) string    { return "license:put:" + assetID }
func subjectDelete(assetID string) string { return "license:delete:" + assetID }

func licensePath(assetID string) string {
	return "/internal/v1/licenses/" + url.PathEscape(assetID)
}

type RemoteConfig struct {
	// BaseURL of the node that hosts the license records.
	BaseURL string
	// Host is the node id behind BaseURL.
	Host   string
	Signer *peerauth.Signer
	Client *http.Client
}

// remoteStore reads and writes the license records kept by another node.
// Records travel sealed; a body altered in transit fails the integrity
// check on use.
type remoteStore struct {
	peer *peerauth.Client
}

var _ Store = &remoteStore{}

func NewRemoteStore(cfg RemoteConfig) Store {
	return &remoteStore{peer: peerauth.NewClient(cfg.BaseURL, cfg.Host, cfg.Signer, cfg.Client)}
}

func (s *remoteStore) Put(ctx context.Context, lic models.License) error {
	raw, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	resp, err := s.peer.Do(ctx, http.MethodPut, licensePath(lic.AssetID), subjectPut(lic.AssetID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("license put: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *remoteStore) Get(ctx context.Context, assetID string) (models.License, error) {
	resp, err := s.peer.Do(ctx, http.MethodGet, licensePath(assetID), subjectGet(assetID), nil)
	if err != nil {
		return models.License{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.License{}, ErrNotFound
	default:
		return models.License{}, fmt.Errorf("license get: unexpected status %d", resp.StatusCode)
	}
	var lic models.License
	if err := json.NewDecoder(resp.Body).Decode(&lic); err != nil {
		return models.License{}, ErrInvalid
	}
	return lic, nil
}

func (s *remoteStore) Delete(ctx context.Context, assetID string) error {
	resp, err := s.peer.Do(ctx, http.MethodDelete, licensePath(assetID), subjectDelete(assetID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("license delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// StoreHandler serves a node's license records to the rest of the cluster.
type StoreHandler struct {
	logger   *slog.Logger
	store    Store
	verifier *peerauth.Verifier
}

func NewStoreHandler(logger *slog.Logger, store Store, verifier *peerauth.Verifier) *StoreHandler {
	return &StoreHandler{logger: logger.WithGroup("licenses"), store: store, verifier: verifier}
}

func (h *StoreHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET "+routeLicense, wrap(http.HandlerFunc(h.get)))
	mux.Handle("PUT "+routeLicense, wrap(http.HandlerFunc(h.put)))
	mux.Handle("DELETE "+routeLicense, wrap(http.HandlerFunc(h.delete)))
}

// asset validates the path and the caller's claim for subject. It writes
// the failure response itself.
func (h *StoreHandler) asset(w http.ResponseWriter, r *http.Request, subject func(string) string) (string, bool) {
	assetID := r.PathValue("asset")
	if !cas.ValidHash(assetID) {
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}
	if _, err := h.verifier.Verify(r.Header.Get(peerauth.Header), subject(assetID)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	return assetID, true
}

func (h *StoreHandler) get(w http.ResponseWriter, r *http.Request) {
	assetID, ok := h.asset(w, r, subjectGet)
	if !ok {
		return
	}
	lic, err := h.store.Get(r.Context(), assetID)
	switch {
	case errors.Is(err, ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("could not load license", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(lic); err != nil {
		h.logger.Debug("could not write license", "error", err)
	}
}

func (h *StoreHandler) put(w http.ResponseWriter, r *http.Request) {
	assetID, ok := h.asset(w, r, subjectPut)
	if !ok {
		return
	}
	var lic models.License
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&lic); err != nil || lic.AssetID != assetID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.store.Put(r.Context(), lic); err != nil {
		h.logger.Error("could not store license", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandler) delete(w http.ResponseWriter, r *http.Request) {
	assetID, ok := h.asset(w, r, subjectDelete)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), assetID); err != nil {
		h.logger.Error("could not delete license", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
