package peerauth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/db/tkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	signer   *Signer
	verifier *Verifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := badge.BuildBadge(badge.WithID("node1"))
	require.NoError(t, err)

	kv, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	keyring := badge.NewKeyring()
	require.NoError(t, keyring.Trust("node1", b.PublicKey()))

	f := &fixture{now: time.Now()}
	f.signer = NewSigner("node1", b)
	f.verifier = NewVerifier(VerifierConfig{
		Node:    "node0",
		Keyring: keyring,
		Nonces:  kv,
		Skew:    time.Minute,
		Now:     func() time.Time { return f.now },
	})
	return f
}

func TestVerify(t *testing.T) {
	f := newFixture(t)

	token, err := f.signer.Token("node0", "fetch:abc")
	require.NoError(t, err)

	claim, err := f.verifier.Verify(token, "fetch:abc")
	require.NoError(t, err)
	assert.Equal(t, "node1", claim.Node)
	assert.Equal(t, "node0", claim.Audience)
	assert.NotEmpty(t, claim.Nonce)
}

func TestVerifyRejects(t *testing.T) {
	f := newFixture(t)

	t.Run("missing", func(t *testing.T) {
		_, err := f.verifier.Verify("", "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := f.verifier.Verify("not-a-token!", "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("other subject", func(t *testing.T) {
		token, err := f.signer.Token("node0", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:def")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("other audience", func(t *testing.T) {
		token, err := f.signer.Token("node2", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("replay", func(t *testing.T) {
		token, err := f.signer.Token("node0", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("stale", func(t *testing.T) {
		f.signer.now = func() time.Time { return f.now.Add(-2 * time.Minute) }
		defer func() { f.signer.now = time.Now }()
		token, err := f.signer.Token("node0", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("untrusted node", func(t *testing.T) {
		stranger, err := badge.BuildBadge()
		require.NoError(t, err)
		token, err := NewSigner("node1", stranger).Token("node0", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)

		token, err = NewSigner("node9", stranger).Token("node0", "fetch:abc")
		require.NoError(t, err)
		_, err = f.verifier.Verify(token, "fetch:abc")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestClientDo(t *testing.T) {
	f := newFixture(t)

	var seen Claim
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claim, err := f.verifier.Verify(r.Header.Get(Header), "license:get:abc")
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		seen = claim
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "node0", f.signer, nil).Do(context.Background(), http.MethodGet, "/x", "license:get:abc", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "node1", seen.Node)

	resp, err = NewClient(srv.URL, "node2", f.signer, nil).Do(context.Background(), http.MethodGet, "/x", "license:get:abc", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
