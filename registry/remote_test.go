package registry

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/db/tkv"
	"github.com/InsulaLabs/depot/internal/peerauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(h http.Handler) http.Handler { return h }

func assetID(data string) string {
	sum := sha512.Sum512([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestRemoteRegistry(t *testing.T) {
	ctx := context.Background()

	kv, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	defer kv.Close()
	local := New(kv)

	b, err := badge.BuildBadge(badge.WithID("node1"))
	require.NoError(t, err)
	keyring := badge.NewKeyring()
	require.NoError(t, keyring.Trust("node1", b.PublicKey()))

	mux := http.NewServeMux()
	NewHandler(slog.Default(), local, peerauth.NewVerifier(peerauth.VerifierConfig{
		Node:    "node0",
		Keyring: keyring,
		Nonces:  kv,
	})).Register(mux, identity)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	signer := peerauth.NewSigner("node1", b)
	remote := NewRemote(RemoteConfig{BaseURL: srv.URL, Host: "node0", Signer: signer})
	a1 := assetID("a1")

	_, err = remote.RandomHolder(ctx, a1)
	assert.True(t, errors.Is(err, ErrNoHolder))

	require.NoError(t, remote.AddHolder(ctx, a1, "node1"))
	assert.Error(t, remote.AddHolder(ctx, a1, "node2"), "nodes only register themselves")

	nodes, err := local.Holders(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1"}, nodes)

	holder, err := remote.RandomHolder(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, "node1", holder)

	require.NoError(t, remote.RemoveHolder(ctx, a1, "node1"))
	nodes, err = remote.Holders(ctx, a1)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	t.Run("unsigned requests are refused", func(t *testing.T) {
		resp, err := http.Post(srv.URL+holdersPath(a1), "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("tokens for another host are refused", func(t *testing.T) {
		elsewhere := NewRemote(RemoteConfig{BaseURL: srv.URL, Host: "node2", Signer: signer})
		assert.Error(t, elsewhere.AddHolder(ctx, a1, "node1"))
		nodes, err := local.Holders(ctx, a1)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("malformed asset ids are refused", func(t *testing.T) {
		bad := NewRemote(RemoteConfig{BaseURL: srv.URL, Host: "node0", Signer: signer})
		for _, id := range []string{"a1", assetID("x")[:127] + "G", "../etc"} {
			assert.Error(t, bad.AddHolder(ctx, id, "node1"), id)
			_, err := bad.Holders(ctx, id)
			assert.Error(t, err, id)
		}

		req, err := http.NewRequest(http.MethodGet, srv.URL+holdersPath("a1"), nil)
		require.NoError(t, err)
		token, err := signer.Token("node0", subjectList("a1"))
		require.NoError(t, err)
		req.Header.Set(peerauth.Header, token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		nodes, err := local.Holders(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, nodes, "nothing was written for bad ids")
	})
}
