package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/InsulaLabs/depot/db/tkv"
)

const keyPrefixLocation = "loc:"

var ErrNoHolder = errors.New("no node holds asset")

// Registry answers which nodes hold a committed copy of an asset. Entries
// are only ever added after a successful commit; a stale entry is tolerated
// and surfaces as a failed fetch from that node.
type Registry interface {
	AddHolder(ctx context.Context, assetID, nodeID string) error
	RemoveHolder(ctx context.Context, assetID, nodeID string) error
	Holders(ctx context.Context, assetID string) ([]string, error)
	RandomHolder(ctx context.Context, assetID string) (string, error)
}

type kvRegistry struct {
	kv tkv.TKVDataHandler
}

var _ Registry = &kvRegistry{}

// New returns a registry persisted in kv under loc:<asset>:<node>.
func New(kv tkv.TKVDataHandler) Registry {
	return &kvRegistry{kv: kv}
}

func locationPrefix(assetID string) string {
	return keyPrefixLocation + assetID + ":"
}

func locationKey(assetID, nodeID string) string {
	return locationPrefix(assetID) + nodeID
}

func (r *kvRegistry) AddHolder(ctx context.Context, assetID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if assetID == "" || nodeID == "" {
		return fmt.Errorf("asset id and node id are required")
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	err := r.kv.SetNX(locationKey(assetID, nodeID), stamp)
	var exists *tkv.ErrKeyExists
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

func (r *kvRegistry) RemoveHolder(ctx context.Context, assetID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.kv.Delete(locationKey(assetID, nodeID))
}

func (r *kvRegistry) Holders(ctx context.Context, assetID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := locationPrefix(assetID)
	keys, err := r.kv.Iterate(prefix, 0, 0)
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(keys))
	for _, k := range keys {
		nodes = append(nodes, strings.TrimPrefix(k, prefix))
	}
	return nodes, nil
}

func (r *kvRegistry) RandomHolder(ctx context.Context, assetID string) (string, error) {
	nodes, err := r.Holders(ctx, assetID)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", ErrNoHolder
	}
	return nodes[rand.IntN(len(nodes))], nil
}

// Shuffled returns the holders of assetID other than self in random order.
func Shuffled(ctx context.Context, r Registry, assetID, self string) ([]string, error) {
	nodes, err := r.Holders(ctx, assetID)
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n != self {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoHolder
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}
