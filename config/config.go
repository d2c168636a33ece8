package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BadgerDirName   = "kv"
	StoreDirName    = "store"
	IdentityFile    = "identity.badge"
	RegistryDirName = "registry"
)

type Node struct {
	HttpBinding string `yaml:"httpBinding"`
	// PublicKey is the node's base64 compressed signing key as printed by
	// --print-identity. Peers without one cannot authenticate to us.
	PublicKey string `yaml:"publicKey,omitempty"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Limits struct {
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
}

type Uploads struct {
	Extensions []string `yaml:"extensions"`
	MimeTypes  []string `yaml:"mimeTypes"`
}

type Licenses struct {
	TTL     time.Duration `yaml:"ttl"`
	Require bool          `yaml:"require"`
}

type Replication struct {
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	ClockSkew    time.Duration `yaml:"clockSkew"`
}

// Registry names the node that hosts the location registry. Every other
// node reaches it over the internal API. Nodes hosted in the same process
// share it directly.
type Registry struct {
	Node string `yaml:"node"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Public   RateLimiterConfig `yaml:"public"`
	Internal RateLimiterConfig `yaml:"internal"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Cluster struct {
	Home           string          `yaml:"home"`
	Nodes          map[string]Node `yaml:"nodes"`
	TLS            TLS             `yaml:"tls"`
	TrustedProxies []string        `yaml:"trustedProxies,omitempty"`
	Limits         Limits          `yaml:"limits"`
	Uploads        Uploads         `yaml:"uploads"`
	Licenses       Licenses        `yaml:"licenses"`
	Replication    Replication     `yaml:"replication"`
	Registry       Registry        `yaml:"registry"`
	RateLimiters   RateLimiters    `yaml:"rateLimiters"`
	Logging        Logging         `yaml:"logging"`
}

var (
	ErrConfigFileUnreadable             = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable         = errors.New("config file is unmarshallable")
	ErrHomeMissing                      = errors.New("home is missing in config and is required for node data")
	ErrNodesMissing                     = errors.New("no nodes defined in config")
	ErrNodeBindingInvalid               = errors.New("every node needs a host:port httpBinding")
	ErrDuplicateBinding                 = errors.New("two nodes share an httpBinding")
	ErrTLSMissing                       = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrUploadsExtensionsMissing         = errors.New("uploads.extensions is missing in config")
	ErrUploadsMimeTypesMissing          = errors.New("uploads.mimeTypes is missing in config")
	ErrLimitsMaxUploadBytesInvalid      = errors.New("limits.maxUploadBytes must be positive")
	ErrRegistryNodeUnknown              = errors.New("registry.node is not one of the configured nodes")
	ErrRateLimitersPublicLimitMissing   = errors.New("rateLimiters.public.limit is missing in config")
	ErrRateLimitersInternalLimitMissing = errors.New("rateLimiters.internal.limit is missing in config")
)

// LoadConfig reads and validates a cluster config. Unset tunables get
// their defaults; structural problems are reported as sentinel errors.
func LoadConfig(configFile string) (*Cluster, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Cluster
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Cluster) Validate() error {
	if cfg.Home == "" {
		return ErrHomeMissing
	}
	if len(cfg.Nodes) == 0 {
		return ErrNodesMissing
	}

	seen := make(map[string]bool)
	for _, node := range cfg.Nodes {
		if _, _, err := net.SplitHostPort(node.HttpBinding); err != nil {
			return ErrNodeBindingInvalid
		}
		if seen[node.HttpBinding] {
			return ErrDuplicateBinding
		}
		seen[node.HttpBinding] = true
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if len(cfg.Uploads.Extensions) == 0 {
		return ErrUploadsExtensionsMissing
	}
	if len(cfg.Uploads.MimeTypes) == 0 {
		return ErrUploadsMimeTypesMissing
	}
	if cfg.Limits.MaxUploadBytes < 0 {
		return ErrLimitsMaxUploadBytesInvalid
	}
	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 256 * 1024
	}

	if cfg.Licenses.TTL <= 0 {
		cfg.Licenses.TTL = 24 * time.Hour
	}
	if cfg.Replication.FetchTimeout <= 0 {
		cfg.Replication.FetchTimeout = 10 * time.Second
	}
	if cfg.Replication.MaxAttempts <= 0 {
		cfg.Replication.MaxAttempts = 3
	}
	if cfg.Replication.ClockSkew <= 0 {
		cfg.Replication.ClockSkew = time.Minute
	}

	if cfg.Registry.Node != "" {
		if _, ok := cfg.Nodes[cfg.Registry.Node]; !ok {
			return ErrRegistryNodeUnknown
		}
	}

	if cfg.RateLimiters.Public.Limit == 0 {
		return ErrRateLimitersPublicLimitMissing
	}
	if cfg.RateLimiters.Internal.Limit == 0 {
		return ErrRateLimitersInternalLimitMissing
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}

// GenerateConfig returns a three node sample config. Public keys are left
// empty; fill them in from --print-identity on each node.
func GenerateConfig() *Cluster {
	cfg := Cluster{
		Home:  "data/depot",
		Nodes: make(map[string]Node),
		Limits: Limits{
			MaxUploadBytes: 256 * 1024,
		},
		Uploads: Uploads{
			Extensions: []string{"png", "jpg", "jpeg", "gif", "webp"},
			MimeTypes:  []string{"image/png", "image/jpeg", "image/gif", "image/webp"},
		},
		Licenses: Licenses{
			TTL:     24 * time.Hour,
			Require: true,
		},
		Replication: Replication{
			FetchTimeout: 10 * time.Second,
			MaxAttempts:  3,
			ClockSkew:    time.Minute,
		},
		Registry: Registry{Node: "node0"},
		RateLimiters: RateLimiters{
			Public:   RateLimiterConfig{Limit: 100.0, Burst: 200},
			Internal: RateLimiterConfig{Limit: 500.0, Burst: 1000},
		},
		Logging: Logging{Level: "info"},
	}

	cfg.Nodes["node0"] = Node{HttpBinding: "127.0.0.1:7100"}
	cfg.Nodes["node1"] = Node{HttpBinding: "127.0.0.1:7101"}
	cfg.Nodes["node2"] = Node{HttpBinding: "127.0.0.1:7102"}
	return &cfg
}
