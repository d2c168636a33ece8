package config

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

var (
	ErrMasterKeyTooShort = errors.New("DEPOT_MASTER_KEY must decode to at least 32 bytes")
	ErrAuthKeySize       = errors.New("DEPOT_AUTH_KEY must decode to exactly 32 bytes")
)

// HexKey is key material given as a hex string in the environment.
type HexKey []byte

func (k *HexKey) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("not a hex string: %w", err)
	}
	*k = raw
	return nil
}

// Secrets never live in the config file. They are read once at startup and
// removed from the process environment.
type Secrets struct {
	MasterKey  HexKey `env:"DEPOT_MASTER_KEY,required,unset"`
	AuthKey    HexKey `env:"DEPOT_AUTH_KEY,required,unset"`
	NodeSecret string `env:"DEPOT_NODE_SECRET,required,unset"`
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets() (*Secrets, error) {
	return parseSecrets(env.Options{})
}

// ParseSecrets reads Secrets from the given variables instead of the
// process environment.
func ParseSecrets(environment map[string]string) (*Secrets, error) {
	return parseSecrets(env.Options{Environment: environment})
}

func parseSecrets(opts env.Options) (*Secrets, error) {
	var s Secrets
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if len(s.MasterKey) < 32 {
		return nil, ErrMasterKeyTooShort
	}
	if len(s.AuthKey) != 32 {
		return nil, ErrAuthKeySize
	}
	return &s, nil
}
