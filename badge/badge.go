/*
	Node identity for depot. A badge holds the node's ECDSA key pair and is
	used to sign inter-node fetch claims. The badge is kept on disk encrypted
	with the node secret.
*/

package badge

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"time"

	"github.com/google/uuid"
)

type BadgeErrorCode int

const (
	BadgeErrorSecretRequired BadgeErrorCode = iota
	BadgeErrorDataRequired
	BadgeErrorPublicKeyRequired
	BadgeErrorSignatureRequired
	BadgeErrorInvalidSignature
	BadgeErrorInvalidPublicKey
	BadgeErrorMessageRequired
	BadgeErrorInvalidHash
	BadgeErrorInvalidCurve
	BadgeErrorInvalidPrivateKey
	BadgeErrorUnknownPeer
)

type BadgeCurveSelector int

const (
	BadgeCurveSelectorUNSET BadgeCurveSelector = iota
	BadgeCurveSelectorP256
	BadgeCurveSelectorP384
	BadgeCurveSelectorP521
)

type BadgeVersion int

const (
	BadgeVersionUNSET BadgeVersion = iota
	BadgeVersion1
)

func (e BadgeErrorCode) String() string {
	switch e {
	case BadgeErrorSecretRequired:
		return "secret is required"
	case BadgeErrorDataRequired:
		return "data is required"
	case BadgeErrorPublicKeyRequired:
		return "public key is required"
	case BadgeErrorSignatureRequired:
		return "signature is required"
	case BadgeErrorInvalidSignature:
		return "invalid signature"
	case BadgeErrorInvalidPublicKey:
		return "invalid public key"
	case BadgeErrorMessageRequired:
		return "message is required"
	case BadgeErrorInvalidHash:
		return "invalid hash"
	case BadgeErrorInvalidCurve:
		return "invalid curve"
	case BadgeErrorInvalidPrivateKey:
		return "invalid private key"
	case BadgeErrorUnknownPeer:
		return "unknown peer"
	default:
		return "unknown error"
	}
}

type BadgeError struct {
	Code    BadgeErrorCode
	Message string
}

func (e *BadgeError) Error() string {
	return e.Message
}

func NewBadgeErrorWithMessage(code BadgeErrorCode, message string) *BadgeError {
	return &BadgeError{Code: code, Message: message}
}

func NewBadgeError(code BadgeErrorCode) *BadgeError {
	return NewBadgeErrorWithMessage(code, code.String())
}

type SignedPackage struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
	Message   []byte `json:"message"`
}

type EncryptedBadgeData struct {
	ID            string             `json:"id"`
	Version       BadgeVersion       `json:"version"`
	B64PublicKey  string             `json:"public_key"`
	B64PrivateKey string             `json:"private_key"`
	Curve         BadgeCurveSelector `json:"curve"`
	DateEncrypted time.Time          `json:"date_encrypted"`
}

type EncryptedBadge struct {
	Hash []byte `json:"hash"`
	Data []byte `json:"data"`
}

// Badge is the signing authority of a single node.
type Badge interface {
	GetVersion() BadgeVersion
	GetID() string

	// PublicKey returns the compressed public point, the form peers
	// register in their keyrings.
	PublicKey() []byte

	Sign(data []byte) (SignedPackage, error)
	Verify(signedPackage SignedPackage) (bool, error)

	EncryptBadge(secret []byte) ([]byte, error)
}

type BadgeOption func(*builder)

func WithID(id string) BadgeOption {
	return func(b *builder) {
		b.ID = id
	}
}

func WithCurveSelector(curveSelector BadgeCurveSelector) BadgeOption {
	return func(b *builder) {
		b.CurveSelector = curveSelector
	}
}

func BuildBadge(options ...BadgeOption) (Badge, error) {
	badge := &builder{Version: BadgeVersion1}
	for _, opt := range options {
		opt(badge)
	}

	if badge.ID == "" {
		badge.ID = uuid.New().String()
	}

	if badge.CurveSelector == BadgeCurveSelectorUNSET {
		badge.CurveSelector = BadgeCurveSelectorP256
	}

	curve, err := curveFor(badge.CurveSelector)
	if err != nil {
		return nil, err
	}
	badge.Curve = curve

	privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	badge.Key = privateKey

	return badge, nil
}

func curveFor(selector BadgeCurveSelector) (elliptic.Curve, error) {
	switch selector {
	case BadgeCurveSelectorP256:
		return elliptic.P256(), nil
	case BadgeCurveSelectorP384:
		return elliptic.P384(), nil
	case BadgeCurveSelectorP521:
		return elliptic.P521(), nil
	}
	return nil, NewBadgeError(BadgeErrorInvalidCurve)
}

// curveForCompressed picks the curve from the length of a compressed point.
func curveForCompressed(point []byte) (elliptic.Curve, error) {
	for _, c := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		if len(point) == 1+(c.Params().BitSize+7)/8 {
			return c, nil
		}
	}
	return nil, NewBadgeError(BadgeErrorInvalidCurve)
}

func encrypt(key, data []byte) ([]byte, error) {
	hash := sha256.Sum256(key)

	blockCipher, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(key, data []byte) ([]byte, error) {
	// Derive a 32-byte key using SHA-256
	hash := sha256.Sum256(key)

	blockCipher, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, NewBadgeError(BadgeErrorInvalidHash)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

type builder struct {
	ID            string
	CurveSelector BadgeCurveSelector
	Curve         elliptic.Curve
	Key           *ecdsa.PrivateKey
	Version       BadgeVersion
}

var _ Badge = &builder{}

func (x *builder) GetID() string {
	return x.ID
}

func (x *builder) GetVersion() BadgeVersion {
	return x.Version
}

func (x *builder) PublicKey() []byte {
	return elliptic.MarshalCompressed(x.Curve, x.Key.PublicKey.X, x.Key.PublicKey.Y)
}

func unmarshalPublicKey(curve elliptic.Curve, data []byte) (*ecdsa.PublicKey, error) {
	px, py := elliptic.UnmarshalCompressed(curve, data)
	if px == nil || py == nil {
		return nil, NewBadgeError(BadgeErrorInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: curve, X: px, Y: py}, nil
}

func (b *builder) Sign(data []byte) (SignedPackage, error) {
	if len(data) == 0 {
		return SignedPackage{}, NewBadgeError(BadgeErrorDataRequired)
	}
	hash := sha256.Sum256(data)
	signature, err := ecdsa.SignASN1(rand.Reader, b.Key, hash[:])
	if err != nil {
		return SignedPackage{}, err
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	return SignedPackage{PublicKey: b.PublicKey(), Signature: signature, Message: msg}, nil
}

// Verify checks a package signed by this badge. Packages from other nodes
// go through a Keyring.
func (b *builder) Verify(signedPackage SignedPackage) (bool, error) {
	return verifyWith(b.PublicKey(), signedPackage)
}

func verifyWith(trusted []byte, signedPackage SignedPackage) (bool, error) {
	if signedPackage.PublicKey == nil {
		return false, NewBadgeError(BadgeErrorPublicKeyRequired)
	}
	if signedPackage.Signature == nil {
		return false, NewBadgeError(BadgeErrorSignatureRequired)
	}
	if signedPackage.Message == nil {
		return false, NewBadgeError(BadgeErrorMessageRequired)
	}

	if !bytes.Equal(trusted, signedPackage.PublicKey) {
		return false, NewBadgeError(BadgeErrorInvalidPublicKey)
	}

	curve, err := curveForCompressed(trusted)
	if err != nil {
		return false, err
	}
	publicKey, err := unmarshalPublicKey(curve, trusted)
	if err != nil {
		return false, err
	}

	hash := sha256.Sum256(signedPackage.Message)
	return ecdsa.VerifyASN1(publicKey, hash[:], signedPackage.Signature), nil
}

func (b *builder) EncryptBadge(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, NewBadgeError(BadgeErrorSecretRequired)
	}

	x509Encoded, err := x509.MarshalPKCS8PrivateKey(b.Key)
	if err != nil {
		return nil, err
	}
	privateKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded})

	encryptedBadgeBytes, err := json.Marshal(&EncryptedBadgeData{
		ID:            b.ID,
		Version:       b.Version,
		Curve:         b.CurveSelector,
		DateEncrypted: time.Now(),
		B64PublicKey:  base64.StdEncoding.EncodeToString(b.PublicKey()),
		B64PrivateKey: base64.StdEncoding.EncodeToString(privateKey),
	})
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(encryptedBadgeBytes)

	encBb, err := json.Marshal(&EncryptedBadge{
		Hash: hash[:],
		Data: encryptedBadgeBytes,
	})
	if err != nil {
		return nil, err
	}

	return encrypt(secret, encBb)
}

func FromEncryptedBadge(secret []byte, encryptedBadge []byte) (Badge, error) {
	if len(secret) == 0 {
		return nil, NewBadgeError(BadgeErrorSecretRequired)
	}

	decryptedBadgeBytes, err := decrypt(secret, encryptedBadge)
	if err != nil {
		return nil, err
	}

	encryptedBadgeData := &EncryptedBadge{}
	if err := json.Unmarshal(decryptedBadgeBytes, encryptedBadgeData); err != nil {
		return nil, err
	}

	hash := sha256.Sum256(encryptedBadgeData.Data)
	if !bytes.Equal(hash[:], encryptedBadgeData.Hash) {
		return nil, NewBadgeError(BadgeErrorInvalidHash)
	}

	badgeData := &EncryptedBadgeData{}
	if err := json.Unmarshal(encryptedBadgeData.Data, badgeData); err != nil {
		return nil, err
	}

	curve, err := curveFor(badgeData.Curve)
	if err != nil {
		return nil, err
	}

	unencodedPrivateKey, err := base64.StdEncoding.DecodeString(badgeData.B64PrivateKey)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(unencodedPrivateKey)
	if block == nil {
		return nil, NewBadgeError(BadgeErrorInvalidPrivateKey)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	privateKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, NewBadgeError(BadgeErrorInvalidPrivateKey)
	}

	return &builder{
		ID:            badgeData.ID,
		CurveSelector: badgeData.Curve,
		Curve:         curve,
		Key:           privateKey,
		Version:       badgeData.Version,
	}, nil
}
