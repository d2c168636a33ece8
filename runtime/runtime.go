package runtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/config"
	"github.com/InsulaLabs/depot/db/core"
	"github.com/InsulaLabs/depot/db/tkv"
	"github.com/InsulaLabs/depot/ingest"
	"github.com/InsulaLabs/depot/internal/peerauth"
	"github.com/InsulaLabs/depot/license"
	"github.com/InsulaLabs/depot/metrics"
	"github.com/InsulaLabs/depot/registry"
	"github.com/InsulaLabs/depot/replication"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Runtime manages the execution of depotd, handling configuration,
// signal processing, and the lifecycle of node instances.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	clusterCfg *config.Cluster
	secrets    *config.Secrets
	configFile string
	asNodeId   string
	hostMode   bool
	rawArgs    []string

	keyring *badge.Keyring

	// sharedRegistry and sharedLicenses are set in --host mode, where every
	// node in the process reads and writes the same records.
	sharedRegistry registry.Registry
	sharedLicenses license.Store

	certOnce sync.Once
	certErr  error

	currentLogLevel slog.Level
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the cluster configuration and
// the secrets from the environment.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs: args,
		keyring: badge.NewKeyring(),
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "depotRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	var printIdentity bool
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the cluster configuration file.")
	fs.StringVar(&r.asNodeId, "as", "", "Node ID to run as (e.g., node0). Mutually exclusive with --host.")
	fs.BoolVar(&r.hostMode, "host", false, "Run instances for all nodes in the config. Mutually exclusive with --as.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new cluster configuration file to a given path.")
	fs.BoolVar(&printIdentity, "print-identity", false, "Create the node identity if needed, print its public key and exit. Requires --as.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	if (r.asNodeId == "" && !r.hostMode) || (r.asNodeId != "" && r.hostMode) {
		fs.Usage()
		return nil, fmt.Errorf("either --as <nodeId> or --host must be specified, but not both")
	}

	var err error
	r.clusterCfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	switch r.clusterCfg.Logging.Level {
	case "debug":
		r.currentLogLevel = slog.LevelDebug
	case "info":
		r.currentLogLevel = slog.LevelInfo
	case "warn":
		r.currentLogLevel = slog.LevelWarn
	case "error":
		r.currentLogLevel = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", r.clusterCfg.Logging.Level)
		r.currentLogLevel = slog.LevelInfo
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "depotRuntime")

	r.secrets, err = config.LoadSecrets()
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets from environment: %w", err)
	}

	if printIdentity {
		if r.asNodeId == "" {
			return nil, fmt.Errorf("--print-identity requires --as <nodeId>")
		}
		if err := r.printIdentity(r.asNodeId); err != nil {
			return nil, err
		}
		os.Exit(0)
	}

	for nodeId, node := range r.clusterCfg.Nodes {
		if node.PublicKey == "" {
			if !r.hostMode {
				color.HiYellow("node %s has no publicKey in config; its requests will be refused", nodeId)
			}
			continue
		}
		if err := r.keyring.TrustEncoded(nodeId, node.PublicKey); err != nil {
			return nil, fmt.Errorf("invalid publicKey for node %s: %w", nodeId, err)
		}
	}

	return r, nil
}

func writeGeneratedConfig(path string) error {
	yamlData, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

func (r *Runtime) printIdentity(nodeId string) error {
	if _, ok := r.clusterCfg.Nodes[nodeId]; !ok {
		return fmt.Errorf("node ID %s not found in configuration", nodeId)
	}
	nodeDir := filepath.Join(r.clusterCfg.Home, nodeId)
	if err := os.MkdirAll(nodeDir, 0700); err != nil {
		return fmt.Errorf("could not create node directory %s: %w", nodeDir, err)
	}
	b, err := loadOrCreateBadge(nodeId, nodeDir, r.secrets.NodeSecret)
	if err != nil {
		return err
	}
	color.HiCyan("# add to nodes.%s in %s", nodeId, r.configFile)
	fmt.Printf("publicKey: %s\n", badge.EncodePublicKey(b))
	return nil
}

// Run executes the runtime based on the parsed flags,
// either running as a single node or as a host managing multiple nodes.
func (r *Runtime) Run() error {
	if r.clusterCfg == nil {
		r.logger.Info("Runtime.Run called when clusterCfg is not loaded. No nodes to run.")
		return nil
	}

	if r.hostMode {
		return r.runAsHost()
	}
	return r.runAsNode(r.asNodeId)
}

func (r *Runtime) runAsNode(nodeId string) error {
	nodeSpecificCfg, ok := r.clusterCfg.Nodes[nodeId]
	if !ok {
		r.logger.Error("Node ID not found in configuration file", "node", nodeId, "available_nodes", getMapKeys(r.clusterCfg.Nodes))
		return fmt.Errorf("node ID %s not found in configuration", nodeId)
	}

	r.logger.Info("Starting in single node mode", "node", nodeId)
	defer r.appCancel()
	if err := r.startNodeInstance(nodeId, nodeSpecificCfg); err != nil {
		r.logger.Error("Node instance failed", "node", nodeId, "error", err)
		return err
	}
	r.logger.Info("Node service shut down.", "node", nodeId)
	return nil
}

func (r *Runtime) runAsHost() error {
	if len(r.clusterCfg.Nodes) == 0 {
		return fmt.Errorf("no nodes defined for host mode")
	}
	r.logger.Info("Running in --host mode. Starting instances for all configured nodes.", "count", len(r.clusterCfg.Nodes))

	regKV, err := r.openRegistryKV()
	if err != nil {
		return err
	}
	defer regKV.Close()
	r.sharedRegistry = registry.New(regKV)
	r.sharedLicenses = license.NewStore(regKV)

	var wg sync.WaitGroup
	for nodeId, nodeCfg := range r.clusterCfg.Nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.startNodeInstance(nodeId, nodeCfg); err != nil {
				r.logger.Error("Node instance failed", "node", nodeId, "error", err)
				r.appCancel()
			}
		}()
	}

	<-r.appCtx.Done()
	r.logger.Info("Shutdown signal received. Waiting for node instances.")
	wg.Wait()
	return nil
}

func (r *Runtime) openRegistryKV() (tkv.TKV, error) {
	return tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("registry"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      filepath.Join(r.clusterCfg.Home, config.RegistryDirName),
	})
}

func (r *Runtime) peerBaseURLs() map[string]string {
	useTLS := r.clusterCfg.TLS.Cert != "" && r.clusterCfg.TLS.Key != ""
	peers := make(map[string]string, len(r.clusterCfg.Nodes))
	for nodeId, node := range r.clusterCfg.Nodes {
		peers[nodeId] = replication.BaseURL(node.HttpBinding, useTLS)
	}
	return peers
}

// peerClient trusts the cluster certificate when TLS is on.
func (r *Runtime) peerClient() (*http.Client, error) {
	if r.clusterCfg.TLS.Cert == "" {
		return &http.Client{}, nil
	}
	pem, err := os.ReadFile(r.clusterCfg.TLS.Cert)
	if err != nil {
		return nil, fmt.Errorf("could not read cluster certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", r.clusterCfg.TLS.Cert)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return &http.Client{Transport: transport}, nil
}

// startNodeInstance wires and runs one node until the app context ends.
func (r *Runtime) startNodeInstance(nodeId string, nodeCfg config.Node) error {
	nodeLogger := r.logger.With("node", nodeId)
	nodeLogger.Info("Starting node instance", "binding", nodeCfg.HttpBinding)

	if r.clusterCfg.TLS.Cert != "" {
		if err := r.ensureClusterCertificate(); err != nil {
			return err
		}
	}

	nodeDir := filepath.Join(r.clusterCfg.Home, nodeId)
	if err := os.MkdirAll(nodeDir, 0700); err != nil {
		return fmt.Errorf("could not create node data directory %s: %w", nodeDir, err)
	}

	b, err := loadOrCreateBadge(nodeId, nodeDir, r.secrets.NodeSecret)
	if err != nil {
		return err
	}
	if r.hostMode {
		// Every identity in the process is known first hand.
		if err := r.keyring.Trust(nodeId, b.PublicKey()); err != nil {
			return err
		}
	}

	kv, err := tkv.New(tkv.Config{
		Logger:         nodeLogger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      filepath.Join(nodeDir, config.BadgerDirName),
	})
	if err != nil {
		return fmt.Errorf("failed to create KV store: %w", err)
	}
	defer kv.Close()

	store, err := cas.New(cas.Config{
		Logger:    nodeLogger,
		Directory: filepath.Join(nodeDir, config.StoreDirName),
	})
	if err != nil {
		return fmt.Errorf("failed to create content store: %w", err)
	}

	client, err := r.peerClient()
	if err != nil {
		return err
	}

	signer := peerauth.NewSigner(nodeId, b)
	verifier := peerauth.NewVerifier(peerauth.VerifierConfig{
		Logger:  nodeLogger,
		Node:    nodeId,
		Keyring: r.keyring,
		Nonces:  kv,
		Skew:    r.clusterCfg.Replication.ClockSkew,
	})

	shared, err := r.sharedStateFor(nodeId, nodeLogger, signer, verifier, client)
	if err != nil {
		return err
	}
	defer shared.close()
	reg := shared.registry

	licenses, err := license.New(license.Config{
		Logger:    nodeLogger,
		MasterKey: r.secrets.MasterKey,
		AuthKey:   r.secrets.AuthKey,
		TTL:       r.clusterCfg.Licenses.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create license service: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	cat := catalog.New(kv)

	service, err := core.New(core.Settings{
		Ctx:      r.appCtx,
		Logger:   nodeLogger.WithGroup("service"),
		Config:   r.clusterCfg,
		NodeID:   nodeId,
		Identity: b,
		Store:    store,
		Catalog:  cat,
		Registry: reg,
		Ingest: ingest.New(ingest.Config{
			Logger:   nodeLogger,
			NodeID:   nodeId,
			Store:    store,
			Catalog:  cat,
			Registry: reg,
			Policy: ingest.NewPolicy(
				r.clusterCfg.Limits.MaxUploadBytes,
				r.clusterCfg.Uploads.Extensions,
				r.clusterCfg.Uploads.MimeTypes,
			),
			Metrics: m,
		}),
		Fetcher: replication.New(replication.Config{
			Logger:       nodeLogger,
			NodeID:       nodeId,
			Store:        store,
			Catalog:      cat,
			Registry:     reg,
			Signer:       signer,
			Peers:        r.peerBaseURLs(),
			Client:       client,
			FetchTimeout: r.clusterCfg.Replication.FetchTimeout,
			MaxAttempts:  r.clusterCfg.Replication.MaxAttempts,
			Metrics:      m,
		}),
		Internal: replication.NewHandler(replication.HandlerConfig{
			Logger:   nodeLogger,
			Store:    store,
			Catalog:  cat,
			Verifier: verifier,
			Metrics:  m,
		}),
		Gate:            license.NewGate(nodeLogger, licenses, shared.licenses),
		Metrics:         m,
		RegistryHandler: shared.registryHandler,
		LicenseHandler:  shared.licenseHandler,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	service.Run()
	return nil
}

// sharedState is what every node of the cluster must agree on: who holds
// which asset and which licenses were issued. One node hosts it.
type sharedState struct {
	registry        registry.Registry
	licenses        license.Store
	registryHandler *registry.Handler
	licenseHandler  *license.StoreHandler
	close           func()
}

// sharedStateFor decides where nodeId reads and writes holder entries and
// license records.
func (r *Runtime) sharedStateFor(
	nodeId string,
	logger *slog.Logger,
	signer *peerauth.Signer,
	verifier *peerauth.Verifier,
	client *http.Client,
) (*sharedState, error) {
	registryNode := r.clusterCfg.Registry.Node
	hosts := registryNode == "" || registryNode == nodeId

	if r.sharedRegistry != nil {
		st := &sharedState{registry: r.sharedRegistry, licenses: r.sharedLicenses, close: func() {}}
		if hosts {
			st.registryHandler = registry.NewHandler(logger, st.registry, verifier)
			st.licenseHandler = license.NewStoreHandler(logger, st.licenses, verifier)
		}
		return st, nil
	}

	if hosts {
		regKV, err := r.openRegistryKV()
		if err != nil {
			return nil, fmt.Errorf("failed to open registry: %w", err)
		}
		st := &sharedState{
			registry: registry.New(regKV),
			licenses: license.NewStore(regKV),
			close:    func() { regKV.Close() },
		}
		st.registryHandler = registry.NewHandler(logger, st.registry, verifier)
		st.licenseHandler = license.NewStoreHandler(logger, st.licenses, verifier)
		return st, nil
	}

	host := r.clusterCfg.Nodes[registryNode]
	useTLS := r.clusterCfg.TLS.Cert != "" && r.clusterCfg.TLS.Key != ""
	baseURL := replication.BaseURL(host.HttpBinding, useTLS)
	logger.Info("Using remote registry and license records", "registry_node", registryNode)
	return &sharedState{
		registry: registry.NewRemote(registry.RemoteConfig{
			BaseURL: baseURL,
			Host:    registryNode,
			Signer:  signer,
			Client:  client,
		}),
		licenses: license.NewRemoteStore(license.RemoteConfig{
			BaseURL: baseURL,
			Host:    registryNode,
			Signer:  signer,
			Client:  client,
		}),
		close: func() {},
	}, nil
}

func getMapKeys(m map[string]config.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func loadOrCreateBadge(nodeId string, nodeDir string, secret string) (badge.Badge, error) {
	fileName := filepath.Join(nodeDir, config.IdentityFile)

	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		b, err := badge.BuildBadge(
			badge.WithID(nodeId),
			badge.WithCurveSelector(badge.BadgeCurveSelectorP256),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build badge: %w", err)
		}

		encryptedBadge, err := b.EncryptBadge([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt badge: %w", err)
		}

		if err := os.WriteFile(fileName, encryptedBadge, 0600); err != nil {
			return nil, fmt.Errorf("failed to write encrypted badge: %w", err)
		}
		return b, nil
	}

	rawBadge, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read badge file %s: %w", fileName, err)
	}

	b, err := badge.FromEncryptedBadge([]byte(secret), rawBadge)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt badge from %s: %w", fileName, err)
	}
	return b, nil
}

// Wait for the runtime to complete its operations.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) GetHomeDir() string {
	return r.clusterCfg.Home
}
