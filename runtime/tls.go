package runtime

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// ensureClusterCertificate creates a self-signed certificate at the
// configured tls paths when none exists yet. It covers every node binding
// so that one file can be shared by the whole cluster.
func (r *Runtime) ensureClusterCertificate() error {
	r.certOnce.Do(func() {
		_, certErr := os.Stat(r.clusterCfg.TLS.Cert)
		_, keyErr := os.Stat(r.clusterCfg.TLS.Key)
		if certErr == nil && keyErr == nil {
			return
		}
		r.logger.Info("Generating self-signed cluster certificate", "cert", r.clusterCfg.TLS.Cert)
		r.certErr = r.generateCertificate()
	})
	return r.certErr
}

func (r *Runtime) generateCertificate() error {
	for _, p := range []string{r.clusterCfg.TLS.Cert, r.clusterCfg.TLS.Key} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("failed to create keys directory: %w", err)
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return err
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"depot local cluster"},
			CommonName:   "depotd-node",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	for _, nodeCfg := range r.clusterCfg.Nodes {
		host := nodeCfg.HttpBinding
		if h, _, err := net.SplitHostPort(nodeCfg.HttpBinding); err == nil {
			host = h
		}
		if ip := net.ParseIP(host); ip != nil {
			if !slices.ContainsFunc(template.IPAddresses, ip.Equal) {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		} else if host != "" && !slices.Contains(template.DNSNames, host) {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := os.WriteFile(r.clusterCfg.TLS.Cert, certOut, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(r.clusterCfg.TLS.Key, keyOut, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}
