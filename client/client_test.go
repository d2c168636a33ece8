package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/depot/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "abc123"

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{
		Endpoints: []Endpoint{{HostPort: strings.TrimPrefix(srv.URL, "http://")}},
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.Error(t, err)
	_, err = NewClient(&Config{Endpoints: []Endpoint{{}}})
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	var gotName, gotType string
	var gotBody []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/assets", r.URL.Path)
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition"))
		require.NoError(t, err)
		gotName = params["filename"]
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set(headerAssetID, testID)
		w.WriteHeader(http.StatusCreated)
	}))

	id, err := c.Upload(context.Background(), "cat photo.png", "image/png", 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, testID, id)
	assert.Equal(t, "cat photo.png", gotName)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte("hello"), gotBody)
}

func TestDownloadErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/api/v1/assets/") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "expired":
			w.Header().Set(headerLicenseStatus, "expired")
			w.WriteHeader(http.StatusForbidden)
		case "busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte("content"))
		}
	}))
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := c.Download(ctx, "ok", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "content", buf.String())

	_, err = c.Download(ctx, "missing", io.Discard)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Download(ctx, "busy", io.Discard)
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = c.Download(ctx, "expired", io.Discard)
	var le *LicenseError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "expired", le.Status)

	_, err = c.Download(ctx, "broken", io.Discard)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
}

func TestMetaAndLicense(t *testing.T) {
	expires := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/assets/{id}/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Asset{Hash: r.PathValue("id"), Size: 42, MimeType: "image/png"})
	})
	mux.HandleFunc("POST /api/v1/licenses/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(License{AssetID: r.PathValue("id"), ExpiresAt: expires})
	})
	mux.HandleFunc("GET /api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node": "node0"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	asset, err := c.Meta(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, testID, asset.Hash)
	assert.Equal(t, int64(42), asset.Size)

	lic, err := c.IssueLicense(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, testID, lic.AssetID)
	assert.True(t, expires.Equal(lic.ExpiresAt))

	pong, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node0", pong.Node)
}
