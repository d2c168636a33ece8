package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/db/tkv"
)

const keyPrefixLicense = "license:"

// Store persists licenses keyed by asset id. Every node of a cluster must
// see the same records, so nodes that do not host the registry use a
// remote Store on the node that does.
type Store interface {
	Put(ctx context.Context, lic models.License) error
	Get(ctx context.Context, assetID string) (models.License, error)
	Delete(ctx context.Context, assetID string) error
}

type kvStore struct {
	kv tkv.TKVDataHandler
}

var _ Store = &kvStore{}

func NewStore(kv tkv.TKVDataHandler) Store {
	return &kvStore{kv: kv}
}

func (s *kvStore) Put(_ context.Context, lic models.License) error {
	raw, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return s.kv.Set(keyPrefixLicense+lic.AssetID, raw)
}

func (s *kvStore) Get(_ context.Context, assetID string) (models.License, error) {
	raw, err := s.kv.Get(keyPrefixLicense + assetID)
	if err != nil {
		var nf *tkv.ErrKeyNotFound
		if errors.As(err, &nf) {
			return models.License{}, ErrNotFound
		}
		return models.License{}, err
	}
	var lic models.License
	if err := json.Unmarshal(raw, &lic); err != nil {
		return models.License{}, ErrInvalid
	}
	return lic, nil
}

func (s *kvStore) Delete(_ context.Context, assetID string) error {
	return s.kv.Delete(keyPrefixLicense + assetID)
}

// Gate is the license check on the serving path.
type Gate struct {
	logger  *slog.Logger
	service *Service
	store   Store
}

func NewGate(logger *slog.Logger, service *Service, store Store) *Gate {
	return &Gate{logger: logger, service: service, store: store}
}

// Issue creates and persists a license for assetID, replacing any previous one.
func (g *Gate) Issue(ctx context.Context, assetID string) (models.License, error) {
	lic, err := g.service.Issue(assetID)
	if err != nil {
		return models.License{}, err
	}
	if err := g.store.Put(ctx, lic); err != nil {
		return models.License{}, err
	}
	return lic, nil
}

// Authorize fails closed: a missing, tampered or expired license denies
// access. Expired records are discarded rather than renewed. The opened key
// is wiped before returning.
func (g *Gate) Authorize(ctx context.Context, assetID string) error {
	lic, err := g.store.Get(ctx, assetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) {
			return err
		}
		g.logger.Error("could not load license", "asset_id", assetID, "error", err)
		return ErrInvalid
	}

	key, err := g.service.Check(assetID, lic)
	switch {
	case errors.Is(err, ErrExpired):
		if delErr := g.store.Delete(ctx, assetID); delErr != nil {
			g.logger.Warn("could not discard expired license", "asset_id", assetID, "error", delErr)
		}
		return ErrExpired
	case err != nil:
		g.logger.Warn("license failed integrity check", "asset_id", assetID)
		return ErrInvalid
	}
	Wipe(key)
	return nil
}
