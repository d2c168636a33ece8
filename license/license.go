package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/InsulaLabs/depot/db/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

const (
	SaltSize       = 16
	NonceSize      = 16
	DerivedKeySize = 32
	AuthKeySize    = 32
	MinMasterSize  = 32

	DefaultTTL = 24 * time.Hour
)

var (
	ErrExpired  = errors.New("license expired")
	ErrInvalid  = errors.New("license invalid")
	ErrNotFound = errors.New("license not found")
)

type Config struct {
	Logger *slog.Logger

	// MasterKey seeds every derived key. AuthKey seals derived keys at rest.
	// Both come from the environment and are never logged.
	MasterKey []byte
	AuthKey   []byte

	TTL time.Duration

	Now  func() time.Time
	Rand io.Reader
}

// Service derives one key per license and keeps it only in sealed form.
type Service struct {
	logger *slog.Logger
	master []byte
	aead   cipher.AEAD
	ttl    time.Duration
	now    func() time.Time
	rand   io.Reader
}

func New(cfg Config) (*Service, error) {
	if len(cfg.MasterKey) < MinMasterSize {
		return nil, fmt.Errorf("master key must be at least %d bytes", MinMasterSize)
	}
	if len(cfg.AuthKey) != AuthKeySize {
		return nil, fmt.Errorf("auth key must be exactly %d bytes", AuthKeySize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	block, err := aes.NewCipher(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		logger: cfg.Logger.WithGroup("license"),
		master: append([]byte(nil), cfg.MasterKey...),
		aead:   aead,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		rand:   cfg.Rand,
	}, nil
}

func (s *Service) derive(assetID string, salt []byte) ([]byte, error) {
	info := []byte(norm.NFC.String(assetID))
	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, s.master, salt, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// additionalData binds a sealed key to its asset and expiry, so neither can
// be swapped on a stored record without failing authentication.
func additionalData(assetID string, expiresAt time.Time) []byte {
	ad := make([]byte, 8, 8+len(assetID))
	binary.BigEndian.PutUint64(ad, uint64(expiresAt.Unix()))
	return append(ad, assetID...)
}

// Issue derives a fresh key for assetID and returns it sealed. Two calls
// for the same asset yield unrelated keys since each draws its own salt.
func (s *Service) Issue(assetID string) (models.License, error) {
	if assetID == "" {
		return models.License{}, errors.New("asset id is required")
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return models.License{}, fmt.Errorf("could not generate salt: %w", err)
	}

	key, err := s.derive(assetID, salt)
	if err != nil {
		return models.License{}, fmt.Errorf("could not derive key: %w", err)
	}
	defer Wipe(key)

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return models.License{}, fmt.Errorf("could not generate nonce: %w", err)
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)

	sealed := s.aead.Seal(nonce, nonce, key, additionalData(assetID, expiresAt))

	s.logger.Debug("issued license", "asset_id", assetID, "expires_at", expiresAt)

	return models.License{
		AssetID:      assetID,
		EncryptedKey: sealed,
		Salt:         salt,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// Check opens the sealed key of lic for assetID. Integrity is checked
// before expiry: a tampered blob is ErrInvalid, an intact but stale one is
// ErrExpired. The returned key must be wiped by the caller.
func (s *Service) Check(assetID string, lic models.License) ([]byte, error) {
	if lic.AssetID != assetID {
		return nil, ErrInvalid
	}
	if len(lic.EncryptedKey) < NonceSize+s.aead.Overhead() {
		return nil, ErrInvalid
	}
	nonce, ciphertext := lic.EncryptedKey[:NonceSize], lic.EncryptedKey[NonceSize:]
	key, err := s.aead.Open(nil, nonce, ciphertext, additionalData(assetID, lic.ExpiresAt))
	if err != nil {
		return nil, ErrInvalid
	}
	if !s.now().Before(lic.ExpiresAt) {
		Wipe(key)
		return nil, ErrExpired
	}
	return key, nil
}

// Rederive reproduces the key of lic from the master secret and the stored
// salt. It does not consult expiry.
func (s *Service) Rederive(lic models.License) ([]byte, error) {
	if len(lic.Salt) != SaltSize {
		return nil, ErrInvalid
	}
	return s.derive(lic.AssetID, lic.Salt)
}

// Wipe zeroes key material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
