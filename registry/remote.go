package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/internal/peerauth"
)

const (
	routeHolders = "/internal/v1/registry/{asset}/holders"
	routeHolder  = "/internal/v1/registry/{asset}/holders/{node}"
)

func subjectAdd(assetID string) string          { return "registry:add:" + assetID }
func subjectList(assetID string) string         { return "registry:list:" + assetID }
func subjectRemove(assetID, node string) string { return "registry:remove:" + assetID + ":" + node }

type RemoteConfig struct {
	// BaseURL of the node that hosts the registry, e.g. http://10.0.0.1:7100
	BaseURL string
	// Host is the node id behind BaseURL.
	Host   string
	Signer *peerauth.Signer
	Client *http.Client
}

// remoteRegistry is the view of a registry hosted on another node. A node
// may only add itself as a holder.
type remoteRegistry struct {
	node string
	peer *peerauth.Client
}

var _ Registry = &remoteRegistry{}

func NewRemote(cfg RemoteConfig) Registry {
	return &remoteRegistry{
		node: cfg.Signer.Node(),
		peer: peerauth.NewClient(cfg.BaseURL, cfg.Host, cfg.Signer, cfg.Client),
	}
}

func (r *remoteRegistry) do(ctx context.Context, method, path, subject string) (*http.Response, error) {
	return r.peer.Do(ctx, method, path, subject, nil)
}

func holdersPath(assetID string) string {
	return "/internal/v1/registry/" + url.PathEscape(assetID) + "/holders"
}

func (r *remoteRegistry) AddHolder(ctx context.Context, assetID, nodeID string) error {
	if nodeID != r.node {
		return fmt.Errorf("node %s cannot register %s as a holder", r.node, nodeID)
	}
	resp, err := r.do(ctx, http.MethodPost, holdersPath(assetID), subjectAdd(assetID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("registry add holder: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *remoteRegistry) RemoveHolder(ctx context.Context, assetID, nodeID string) error {
	path := holdersPath(assetID) + "/" + url.PathEscape(nodeID)
	resp, err := r.do(ctx, http.MethodDelete, path, subjectRemove(assetID, nodeID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("registry remove holder: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *remoteRegistry) Holders(ctx context.Context, assetID string) ([]string, error) {
	resp, err := r.do(ctx, http.MethodGet, holdersPath(assetID), subjectList(assetID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry list holders: unexpected status %d", resp.StatusCode)
	}
	var nodes []string
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *remoteRegistry) RandomHolder(ctx context.Context, assetID string) (string, error) {
	nodes, err := Shuffled(ctx, r, assetID, "")
	if err != nil {
		return "", err
	}
	return nodes[0], nil
}

// Handler serves a local registry to the other nodes. Every request must
// carry a claim signed by a trusted peer.
type Handler struct {
	logger   *slog.Logger
	registry Registry
	verifier *peerauth.Verifier
}

func NewHandler(logger *slog.Logger, registry Registry, verifier *peerauth.Verifier) *Handler {
	return &Handler{logger: logger.WithGroup("registry"), registry: registry, verifier: verifier}
}

// Register installs the registry routes on mux.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET "+routeHolders, wrap(http.HandlerFunc(h.list)))
	mux.Handle("POST "+routeHolders, wrap(http.HandlerFunc(h.add)))
	mux.Handle("DELETE "+routeHolder, wrap(http.HandlerFunc(h.remove)))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("asset")
	if !cas.ValidHash(assetID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := h.verifier.Verify(r.Header.Get(peerauth.Header), subjectList(assetID)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	nodes, err := h.registry.Holders(r.Context(), assetID)
	if err != nil {
		h.logger.Error("could not list holders", "asset_id", assetID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		h.logger.Debug("could not write holders", "error", err)
	}
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("asset")
	if !cas.ValidHash(assetID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	claim, err := h.verifier.Verify(r.Header.Get(peerauth.Header), subjectAdd(assetID))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := h.registry.AddHolder(r.Context(), assetID, claim.Node); err != nil {
		h.logger.Error("could not add holder", "asset_id", assetID, "node", claim.Node, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	assetID, node := r.PathValue("asset"), r.PathValue("node")
	if !cas.ValidHash(assetID) || node == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := h.verifier.Verify(r.Header.Get(peerauth.Header), subjectRemove(assetID, node)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := h.registry.RemoveHolder(r.Context(), assetID, node); err != nil {
		h.logger.Error("could not remove holder", "asset_id", assetID, "node", node, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
