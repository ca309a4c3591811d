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
	"os"
	"path/filepath"
	"time"
)

const (
	// ServerName is the name in the agent's cert. Clients verify it regardless of the address they dial.
	ServerName = "shellagent"

	CACertFile     = "ca.pem"
	CAKeyFile      = "ca-key.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"

	certValidity = 365 * 24 * time.Hour
)

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
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
		ServerName:   ServerName,
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

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func buildCACert(subject *pkix.Name) (CACert, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return CACert{}, fmt.Errorf("getting random serial number: %w", err)
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caBytes,
	})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil

}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func buildCert(caCert *x509.Certificate, caKey *rsa.PrivateKey, subject *pkix.Name) (*Cert, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		DNSNames:     []string{ServerName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, caCert, &certKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})
	if certKeyPEMBytes == nil {
		return nil, errors.New("unable to encode private key to PEM")
	}

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a CA and the server and client certs it signs, for mTLS between the agent and its clients.
func GenerateCerts() (*Certs, error) {
	caSubject := pkix.Name{CommonName: "ShellagentCA"}
	caCert, err := buildCACert(&caSubject)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverSubject := pkix.Name{CommonName: ServerName}
	serverCert, err := buildCert(caCert.x509Cert, caCert.privKey, &serverSubject)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientSubject := pkix.Name{CommonName: "shellagent-client"}
	clientCert, err := buildCert(caCert.x509Cert, caCert.privKey, &clientSubject)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}

// WriteDir writes the PEM files of the bundle to dir, creating it if needed. Keys are only readable by the owner.
func (c *Certs) WriteDir(dir string) error {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	files := []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{CACertFile, c.CA.CertPEMBytes, 0644},
		{CAKeyFile, c.CA.KeyPEMBytes, 0600},
		{ServerCertFile, c.Server.CertPEMBytes, 0644},
		{ServerKeyFile, c.Server.KeyPEMBytes, 0600},
		{ClientCertFile, c.Client.CertPEMBytes, 0644},
		{ClientKeyFile, c.Client.KeyPEMBytes, 0600},
	}
	for _, f := range files {
		err := os.WriteFile(filepath.Join(dir, f.name), f.b, f.mode)
		if err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// ReadCertsDir reads a bundle written by WriteDir. The CA key is not needed and not read.
func ReadCertsDir(dir string) (*Certs, error) {
	read := func(name string) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return b, nil
	}
	certs := &Certs{}
	var err error
	if certs.CA.CertPEMBytes, err = read(CACertFile); err != nil {
		return nil, err
	}
	if certs.Server.CertPEMBytes, err = read(ServerCertFile); err != nil {
		return nil, err
	}
	if certs.Server.KeyPEMBytes, err = read(ServerKeyFile); err != nil {
		return nil, err
	}
	if certs.Client.CertPEMBytes, err = read(ClientCertFile); err != nil {
		return nil, err
	}
	if certs.Client.KeyPEMBytes, err = read(ClientKeyFile); err != nil {
		return nil, err
	}
	return certs, nil
}
