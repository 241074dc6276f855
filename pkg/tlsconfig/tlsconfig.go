// Package tlsconfig loads and generates the mutual-TLS material used by the
// remote document store service.
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config names the PEM files of one side of a connection.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ServerName overrides the name the client verifies. Defaults to localhost.
	ServerName string `yaml:"server_name"`
}

// Standard file names written by GenerateCerts.
const (
	CAFile         = "ca.crt"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

// ServerFiles returns a Config pointing at the server files GenerateCerts wrote to dir.
func ServerFiles(dir string) Config {
	return Config{
		Enabled:  true,
		CAFile:   filepath.Join(dir, CAFile),
		CertFile: filepath.Join(dir, ServerCertFile),
		KeyFile:  filepath.Join(dir, ServerKeyFile),
	}
}

// ClientFiles returns a Config pointing at the client files GenerateCerts wrote to dir.
func ClientFiles(dir string) Config {
	return Config{
		Enabled:  true,
		CAFile:   filepath.Join(dir, CAFile),
		CertFile: filepath.Join(dir, ClientCertFile),
		KeyFile:  filepath.Join(dir, ClientKeyFile),
	}
}

// LoadServerTLSConfig loads the server key pair and requires clients to
// present a certificate signed by the CA.
func LoadServerTLSConfig(c Config) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	pool, err := loadPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig loads the client key pair and verifies the server
// against the CA.
func LoadClientTLSConfig(c Config) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	pool, err := loadPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	serverName := c.ServerName
	if serverName == "" {
		serverName = "localhost"
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert to pool")
	}
	return pool, nil
}

// GenerateCerts writes a fresh CA plus a server (localhost) and client key
// pair signed by it into dir. Intended for development and tests.
func GenerateCerts(dir string, validFor time.Duration) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caCert, err := createCACertificate(caKey, validFor)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, CAFile), caCert); err != nil {
		return err
	}

	pairs := []struct {
		cn       string
		certFile string
		keyFile  string
		isServer bool
	}{
		{"localhost", ServerCertFile, ServerKeyFile, true},
		{"gojotxn-client", ClientCertFile, ClientKeyFile, false},
	}
	for _, p := range pairs {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		cert, err := createSignedCertificate(key, p.cn, caCert, caKey, p.isServer, validFor)
		if err != nil {
			return err
		}
		if err := saveCert(filepath.Join(dir, p.certFile), cert); err != nil {
			return err
		}
		if err := saveKey(filepath.Join(dir, p.keyFile), key); err != nil {
			return err
		}
	}
	return nil
}

func createCACertificate(key *ecdsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojotxn dev CA"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func createSignedCertificate(key *ecdsa.PrivateKey, commonName string, caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey, isServer bool, validFor time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:     []string{commonName},
	}
	if isServer {
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(der)
}

func saveCert(filename string, cert *x509.Certificate) error {
	out, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer out.Close()
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(filename string, key *ecdsa.PrivateKey) error {
	out, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
