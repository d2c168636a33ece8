package catalog

import (
	"encoding/json"
	"errors"

	"github.com/InsulaLabs/depot/db/models"
	"github.com/InsulaLabs/depot/db/tkv"
)

const keyPrefixAsset = "asset:"

var ErrNotFound = errors.New("asset metadata not found")

// Catalog holds the metadata record of every asset this node stores. The
// first record written for a hash wins; later uploads of the same content
// do not rename it.
type Catalog struct {
	kv tkv.TKVDataHandler
}

func New(kv tkv.TKVDataHandler) *Catalog {
	return &Catalog{kv: kv}
}

// Record stores a unless a record for a.Hash exists, and returns the record
// that is in effect.
func (c *Catalog) Record(a models.Asset) (models.Asset, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return models.Asset{}, err
	}
	err = c.kv.SetNX(keyPrefixAsset+a.Hash, raw)
	if err == nil {
		return a, nil
	}
	var exists *tkv.ErrKeyExists
	if !errors.As(err, &exists) {
		return models.Asset{}, err
	}
	return c.Lookup(a.Hash)
}

func (c *Catalog) Lookup(hash string) (models.Asset, error) {
	raw, err := c.kv.Get(keyPrefixAsset + hash)
	if err != nil {
		var nf *tkv.ErrKeyNotFound
		if errors.As(err, &nf) {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, err
	}
	var a models.Asset
	if err := json.Unmarshal(raw, &a); err != nil {
		return models.Asset{}, err
	}
	return a, nil
}
