package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Cert file names used by WriteFiles and LoadServerTLSConfig / LoadClientTLSConfig.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs holds a CA and the server and client certs it signed, for mutual TLS between
// the agent and its transports. The keys are secrets.
type Certs struct {
	CA     PEMPair
	Server PEMPair
	Client PEMPair
}

type PEMPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// ServerTLSConfig returns a config requiring clients to present a cert signed by the CA.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CA.CertPEM, c.Server.CertPEM, c.Server.KeyPEM)
}

// ClientTLSConfig returns a config trusting only the CA and presenting the client cert.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEM, c.Client.CertPEM, c.Client.KeyPEM)
}

// HTTPClient returns a client for transports talking to an agent that uses these certs.
func (c *Certs) HTTPClient() (*http.Client, error) {
	cfg, err := c.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = cfg
	// the duplex endpoint needs an HTTP/1.1 upgrade
	tr.ForceAttemptHTTP2 = false
	return &http.Client{Transport: tr}, nil
}

// WriteFiles writes the CA cert and both key pairs into dir. The CA key is not written.
func (c *Certs) WriteFiles(dir string) error {
	files := map[string][]byte{
		CACertFile:     c.CA.CertPEM,
		ServerCertFile: c.Server.CertPEM,
		ServerKeyFile:  c.Server.KeyPEM,
		ClientCertFile: c.Client.CertPEM,
		ClientKeyFile:  c.Client.KeyPEM,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// LoadServerTLSConfig builds the agent's TLS config from the files WriteFiles wrote into dir.
func LoadServerTLSConfig(dir string) (*tls.Config, error) {
	ca, cert, key, err := readPEMFiles(dir, ServerCertFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(ca, cert, key)
}

// LoadClientTLSConfig builds a transport's TLS config from the files WriteFiles wrote into dir.
func LoadClientTLSConfig(dir string) (*tls.Config, error) {
	ca, cert, key, err := readPEMFiles(dir, ClientCertFile, ClientKeyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(ca, cert, key)
}

func readPEMFiles(dir, certFile, keyFile string) (ca, cert, key []byte, err error) {
	read := func(name string) []byte {
		if err != nil {
			return nil
		}
		var b []byte
		b, err = os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			err = fmt.Errorf("reading %s: %w", name, err)
		}
		return b
	}
	ca, cert, key = read(CACertFile), read(certFile), read(keyFile)
	return ca, cert, key, err
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

type caCert struct {
	PEMPair
	x509Cert *x509.Certificate
	privKey  *rsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func buildCACert(subject pkix.Name, validFor time.Duration) (caCert, error) {
	serial, err := serialNumber()
	if err != nil {
		return caCert{}, err
	}

	cert := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return caCert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, cert, cert, &key.PublicKey, key)
	if err != nil {
		return caCert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEM == nil {
		return caCert{}, errors.New("unable to encode CA cert")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if keyPEM == nil {
		return caCert{}, errors.New("unable to encode CA private key")
	}

	return caCert{
		PEMPair:  PEMPair{CertPEM: certPEM, KeyPEM: keyPEM},
		x509Cert: cert,
		privKey:  key,
	}, nil
}

func buildCert(ca caCert, subject pkix.Name, hosts []string, validFor time.Duration) (PEMPair, error) {
	serial, err := serialNumber()
	if err != nil {
		return PEMPair{}, err
	}
	c := x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return PEMPair{}, fmt.Errorf("generating private key: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &key.PublicKey, ca.privKey)
	if err != nil {
		return PEMPair{}, fmt.Errorf("creating cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEM == nil {
		return PEMPair{}, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return PEMPair{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return PEMPair{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// GenerateCerts generates a throwaway CA and a server and client cert signed by it.
// The server cert is valid for hosts, which may be DNS names or IP addresses.
// With no hosts it is valid for localhost and 127.0.0.1.
func GenerateCerts(validFor time.Duration, hosts ...string) (*Certs, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	ca, err := buildCACert(pkix.Name{CommonName: "SandboxAgentCA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	server, err := buildCert(ca, pkix.Name{CommonName: "sandbox-agent"}, hosts, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	client, err := buildCert(ca, pkix.Name{CommonName: "sandbox-client"}, nil, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		CA:     ca.PEMPair,
		Server: server,
		Client: client,
	}, nil
}
