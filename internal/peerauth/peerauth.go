package peerauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/db/tkv"
	"github.com/google/uuid"
)

// Header carries the signed claim on node to node requests.
const Header = "X-Depot-Signature"

const DefaultSkew = time.Minute

var ErrUnauthorized = errors.New("unauthorized")

// Claim is what a node signs to call a peer. Subject binds the token to a
// single resource and Audience to a single receiving node, so it cannot be
// replayed against another one of either.
type Claim struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	Node     string `json:"node"`
	IssuedAt int64  `json:"iat"`
	Nonce    string `json:"nonce"`
}

type Signer struct {
	node  string
	badge badge.Badge
	now   func() time.Time
}

func NewSigner(node string, b badge.Badge) *Signer {
	return &Signer{node: node, badge: b, now: time.Now}
}

func (s *Signer) Node() string {
	return s.node
}

// Token signs a fresh claim for subject, addressed to the node audience,
// and encodes it for the header.
func (s *Signer) Token(audience, subject string) (string, error) {
	claim := Claim{
		Subject:  subject,
		Audience: audience,
		Node:     s.node,
		IssuedAt: s.now().Unix(),
		Nonce:    uuid.New().String(),
	}
	raw, err := json.Marshal(claim)
	if err != nil {
		return "", err
	}
	pkg, err := s.badge.Sign(raw)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(pkg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}

type VerifierConfig struct {
	Logger *slog.Logger
	// Node is the id of the verifying node; claims addressed to any other
	// node are refused.
	Node    string
	Keyring *badge.Keyring
	// Nonces remembers seen nonces for twice the skew window.
	Nonces tkv.TKVCacheHandler
	Skew   time.Duration
	Now    func() time.Time
}

type Verifier struct {
	node    string
	logger  *slog.Logger
	keyring *badge.Keyring
	nonces  tkv.TKVCacheHandler
	skew    time.Duration
	now     func() time.Time
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		node:    cfg.Node,
		logger:  cfg.Logger.WithGroup("peerauth"),
		keyring: cfg.Keyring,
		nonces:  cfg.Nonces,
		skew:    cfg.Skew,
		now:     cfg.Now,
	}
}

// Verify returns the claim carried by token if it was signed by a trusted
// peer for subject, is inside the skew window and has not been seen
// before. Every failure is ErrUnauthorized; the cause is only logged.
func (v *Verifier) Verify(token, subject string) (Claim, error) {
	deny := func(reason string, args ...any) (Claim, error) {
		v.logger.Warn("rejected peer request", append([]any{"reason", reason, "subject", subject}, args...)...)
		return Claim{}, ErrUnauthorized
	}

	if token == "" {
		return deny("missing token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return deny("malformed token")
	}
	var pkg badge.SignedPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return deny("malformed token")
	}
	var claim Claim
	if err := json.Unmarshal(pkg.Message, &claim); err != nil {
		return deny("malformed claim")
	}

	if !v.keyring.Knows(claim.Node) {
		return deny("untrusted node", "node", claim.Node)
	}
	ok, err := v.keyring.Verify(claim.Node, pkg)
	if err != nil || !ok {
		return deny("bad signature", "node", claim.Node)
	}
	if claim.Subject != subject {
		return deny("subject mismatch", "node", claim.Node)
	}
	if claim.Audience != v.node {
		return deny("addressed to another node", "node", claim.Node, "audience", claim.Audience)
	}

	issued := time.Unix(claim.IssuedAt, 0)
	if d := v.now().Sub(issued); d > v.skew || d < -v.skew {
		return deny("outside skew window", "node", claim.Node, "issued_at", issued)
	}

	if claim.Nonce == "" {
		return deny("missing nonce", "node", claim.Node)
	}
	if err := v.nonces.CacheSetNX("nonce:"+claim.Node+":"+claim.Nonce, subject, 2*v.skew); err != nil {
		return deny("replayed nonce", "node", claim.Node)
	}
	return claim, nil
}

// Client sends signed requests to a single peer.
type Client struct {
	base     string
	audience string
	signer   *Signer
	http     *http.Client
}

// NewClient returns a Client for the peer audience reachable at baseURL.
func NewClient(baseURL, audience string, signer *Signer, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{base: baseURL, audience: audience, signer: signer, http: hc}
}

// Do signs subject for the peer and sends the request. The caller owns the
// response body.
func (c *Client) Do(ctx context.Context, method, path, subject string, body io.Reader) (*http.Response, error) {
	token, err := c.signer.Token(c.audience, subject)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(Header, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}
