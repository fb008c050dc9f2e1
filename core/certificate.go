package core

// Node identity material: an RSA key pair and a self-signed X.509
// certificate whose subject CN is the hex encoding of the identity digest.
// The digest itself is the hash of the DER-encoded public key, so a peer
// presenting the certificate proves ownership of the identifier.

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

const nodeKeyBits = 2048

// NodeKey bundles a private key, its certificate and the derived identifier.
type NodeKey struct {
	Private     *rsa.PrivateKey
	Certificate tls.Certificate
	ID          Identifier
}

// PublicKeyIdentifier derives the identifier bound to an RSA public key.
func PublicKeyIdentifier(pub *rsa.PublicKey) (Identifier, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return NilIdentifier, err
	}
	return HashIdentifier(der), nil
}

// GenerateNodeKey mints a fresh identity.
func GenerateNodeKey() (*NodeKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, nodeKeyBits)
	if err != nil {
		return nil, err
	}
	return newNodeKey(priv)
}

func newNodeKey(priv *rsa.PrivateKey) (*NodeKey, error) {
	id, err := PublicKeyIdentifier(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.Hex()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	return &NodeKey{
		Private: priv,
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		},
		ID: id,
	}, nil
}

// IdentifierFromRawCertificate parses a DER certificate, recomputes the
// identifier from the embedded public key and checks it against the subject
// CN. A mismatch means the peer claims an identity it does not own.
func IdentifierFromRawCertificate(raw []byte) (Identifier, error) {
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return NilIdentifier, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return NilIdentifier, fmt.Errorf("%w: certificate key is not RSA", ErrAuthFailed)
	}
	id, err := PublicKeyIdentifier(pub)
	if err != nil {
		return NilIdentifier, err
	}
	if cert.Subject.CommonName != id.Hex() {
		return NilIdentifier, fmt.Errorf("%w: certificate subject does not match key", ErrAuthFailed)
	}
	return id, nil
}

// LoadNodeKey reads a PEM file holding the private key and certificate.
// When the file does not exist a new identity is generated and saved.
func LoadNodeKey(path string) (*NodeKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		nk, genErr := GenerateNodeKey()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := nk.Save(path); saveErr != nil {
			return nil, saveErr
		}
		return nk, nil
	}
	if err != nil {
		return nil, err
	}

	var priv *rsa.PrivateKey
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("node key in %s is not RSA", path)
			}
			priv = rsaKey
		}
	}
	if priv == nil {
		return nil, fmt.Errorf("no private key found in %s", path)
	}
	// The certificate is regenerated rather than parsed back; only the key
	// pair is authoritative for the identity.
	return newNodeKey(priv)
}

// Save writes the key pair and certificate as PEM.
func (nk *NodeKey) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(nk.Private),
	}); err != nil {
		return err
	}
	return pem.Encode(f, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: nk.Certificate.Certificate[0],
	})
}
