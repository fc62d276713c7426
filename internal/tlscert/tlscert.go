// Package tlscert generates and reuses the local CA and server
// certificate the proxy uses to terminate inbound TLS from the client.
package tlscert

import (
	"crypto/rand"
	"crypto/rsa"
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

	. "github.com/dbproxy/dbproxy/internal/logging"
)

const (
	caCertFile     = "ca.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server.key"
)

// Materials is the set of paths backing the proxy's inbound TLS identity.
type Materials struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
}

func paths(caDir string) Materials {
	return Materials{
		CACertPath:     filepath.Join(caDir, caCertFile),
		ServerCertPath: filepath.Join(caDir, serverCertFile),
		ServerKeyPath:  filepath.Join(caDir, serverKeyFile),
	}
}

// EnsureMaterials returns the local CA + server certificate, generating
// and persisting them under caDir if they don't already exist.
// Existing files are reused verbatim.
func EnsureMaterials(caDir string, hosts []string) (Materials, error) {
	m := paths(caDir)

	if filesExist(m) {
		L_info("tlscert: reusing existing certificate materials", "dir", caDir)
		return m, nil
	}

	if err := os.MkdirAll(caDir, 0700); err != nil {
		return Materials{}, fmt.Errorf("tlscert: create ca dir: %w", err)
	}

	L_info("tlscert: generating new CA and server certificate", "dir", caDir, "hosts", hosts)

	caCert, caKey, err := generateCA()
	if err != nil {
		return Materials{}, fmt.Errorf("tlscert: generate ca: %w", err)
	}
	if err := writeCert(m.CACertPath, caCert); err != nil {
		return Materials{}, err
	}

	serverCert, serverKey, err := generateServerCert(caCert, caKey, hosts)
	if err != nil {
		return Materials{}, fmt.Errorf("tlscert: generate server cert: %w", err)
	}
	if err := writeCert(m.ServerCertPath, serverCert); err != nil {
		return Materials{}, err
	}
	if err := writeKey(m.ServerKeyPath, serverKey); err != nil {
		return Materials{}, err
	}

	return m, nil
}

func filesExist(m Materials) bool {
	for _, p := range []string{m.CACertPath, m.ServerCertPath, m.ServerKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generateCA() ([]byte, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "double-buffer-proxy local CA", Organization: []string{"double-buffer-proxy"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

func generateServerCert(caDER []byte, caKey *rsa.PrivateKey, hosts []string) ([]byte, *rsa.PrivateKey, error) {
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "double-buffer-proxy", Organization: []string{"double-buffer-proxy"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(2, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writeCert(path string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("tlscert: write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeKey(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("tlscert: write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// LoadServerTLSConfig loads the server certificate/key pair into a
// tls.Config enforcing a TLS >= 1.2 floor, as required by spec section 6.
func LoadServerTLSConfig(m Materials) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.ServerCertPath, m.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("tlscert: load server keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
