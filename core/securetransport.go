package core

// Secure channel layer. Exposes a mutually-authenticated byte channel over
// an underlying stream or datagram carrier with three credential modes:
//
//   - Anonymous: an ephemeral unverified certificate handshake; no identity.
//     Used only for initial address discovery. (Anonymous DH suites are gone
//     from every maintained TLS stack, an unverified ephemeral certificate
//     is the modern rendition.)
//   - PrivateShared: a pre-shared key; the peering name is public and the
//     key is resolved by the application through a callback.
//   - Certificate: a self-signed RSA certificate whose subject is the
//     identity digest; a verifier callback authorizes by digest.
//
// Reliable carriers run TLS, datagram carriers run DTLS with records bounded
// at 1024 bytes.

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pion/dtls/v2"
)

type CredentialMode uint8

const (
	ModeAnonymous CredentialMode = iota
	ModePrivateShared
	ModeCertificate
)

func (m CredentialMode) String() string {
	switch m {
	case ModeAnonymous:
		return "anonymous"
	case ModePrivateShared:
		return "private-shared"
	case ModeCertificate:
		return "certificate"
	default:
		return "unknown"
	}
}

const (
	// HandshakeTimeout aborts a handshake making no progress.
	HandshakeTimeout = 30 * time.Second

	// DatagramRecordSize bounds DTLS records (MTU-aware).
	DatagramRecordSize = 1024
)

// Verifier authorizes a certificate-mode peer by its identity digest.
type Verifier func(peer Identifier) bool

// PSKResolver maps a public peering name to the shared secret.
type PSKResolver func(name string) ([]byte, error)

// Credentials selects the handshake mode for one connection.
type Credentials struct {
	Mode CredentialMode

	// Certificate mode.
	Key      *NodeKey
	Verifier Verifier

	// AllowAnonymous lets a certificate-mode server also accept clients
	// presenting no certificate; the channel then reports Anonymous as the
	// negotiated mode and carries no peer identity.
	AllowAnonymous bool

	// PrivateShared mode.
	PSKName string
	PSK     PSKResolver
}

// SecureStream is an established secure channel. It reports the negotiated
// mode and the authenticated peer identifier (nil for anonymous).
type SecureStream struct {
	net.Conn
	mode CredentialMode
	peer Identifier
}

func (s *SecureStream) Mode() CredentialMode { return s.mode }
func (s *SecureStream) Peer() Identifier     { return s.peer }

//---------------------------------------------------------------------
// Stream carrier (TLS)
//---------------------------------------------------------------------

// SecureClientStream runs the client side over a reliable carrier.
func SecureClientStream(ctx context.Context, conn net.Conn, creds *Credentials) (*SecureStream, error) {
	return handshakeStream(ctx, conn, creds, true)
}

// SecureServerStream runs the server side over a reliable carrier.
func SecureServerStream(ctx context.Context, conn net.Conn, creds *Credentials) (*SecureStream, error) {
	return handshakeStream(ctx, conn, creds, false)
}

func handshakeStream(ctx context.Context, conn net.Conn, creds *Credentials, client bool) (*SecureStream, error) {
	if creds.Mode == ModePrivateShared {
		return nil, fmt.Errorf("%w: pre-shared keys require a datagram carrier", ErrProtocol)
	}

	var peer Identifier
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	switch creds.Mode {
	case ModeCertificate:
		cfg.Certificates = []tls.Certificate{creds.Key.Certificate}
		if creds.AllowAnonymous {
			// The client chooses: no certificate negotiates Anonymous.
			cfg.ClientAuth = tls.RequestClientCert
		} else {
			cfg.ClientAuth = tls.RequireAnyClientCert
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 && creds.AllowAnonymous && !client {
				return nil
			}
			id, err := verifyPeerRaw(rawCerts, creds.Verifier)
			if err != nil {
				return err
			}
			peer = id
			return nil
		}
	case ModeAnonymous:
		if !client {
			// TLS still needs a server certificate; an ephemeral one
			// carries no identity the client would verify.
			eph, err := GenerateNodeKey()
			if err != nil {
				return nil, err
			}
			cfg.Certificates = []tls.Certificate{eph.Certificate}
		}
	}

	var tc *tls.Conn
	if client {
		tc = tls.Client(conn, cfg)
	} else {
		tc = tls.Server(conn, cfg)
	}
	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		tc.Close()
		return nil, mapHandshakeError(err)
	}
	mode := creds.Mode
	if mode == ModeCertificate && peer.IsNil() {
		mode = ModeAnonymous
	}
	return &SecureStream{Conn: tc, mode: mode, peer: peer}, nil
}

//---------------------------------------------------------------------
// Datagram carrier (DTLS)
//---------------------------------------------------------------------

// SecureClientDatagram runs the client side over a datagram carrier.
func SecureClientDatagram(ctx context.Context, conn net.Conn, creds *Credentials) (*SecureStream, error) {
	return handshakeDatagram(ctx, conn, creds, true)
}

// SecureServerDatagram runs the server side over a datagram carrier.
func SecureServerDatagram(ctx context.Context, conn net.Conn, creds *Credentials) (*SecureStream, error) {
	return handshakeDatagram(ctx, conn, creds, false)
}

func handshakeDatagram(ctx context.Context, conn net.Conn, creds *Credentials, client bool) (*SecureStream, error) {
	var (
		peer       Identifier
		negotiated string
	)
	cfg := &dtls.Config{
		MTU:                  DatagramRecordSize,
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, HandshakeTimeout)
		},
	}

	switch creds.Mode {
	case ModeCertificate:
		cfg.Certificates = []tls.Certificate{creds.Key.Certificate}
		if creds.AllowAnonymous && !client {
			cfg.ClientAuth = dtls.RequestClientCert
		} else {
			cfg.ClientAuth = dtls.RequireAnyClientCert
		}
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 && creds.AllowAnonymous && !client {
				return nil
			}
			id, err := verifyPeerRaw(rawCerts, creds.Verifier)
			if err != nil {
				return err
			}
			peer = id
			return nil
		}
	case ModePrivateShared:
		name := creds.PSKName
		resolve := creds.PSK
		negotiated = name
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
		cfg.PSKIdentityHint = []byte(name)
		cfg.PSK = func(hint []byte) ([]byte, error) {
			n := name
			if len(hint) > 0 {
				n = string(hint)
			}
			negotiated = n
			key, err := resolve(n)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			return key, nil
		}
	case ModeAnonymous:
		eph, err := GenerateNodeKey()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{eph.Certificate}
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}
	}

	var (
		dc  *dtls.Conn
		err error
	)
	if client {
		dc, err = dtls.ClientWithContext(ctx, conn, cfg)
	} else {
		dc, err = dtls.ServerWithContext(ctx, conn, cfg)
	}
	if err != nil {
		return nil, mapHandshakeError(err)
	}
	mode := creds.Mode
	switch {
	case mode == ModePrivateShared:
		// The peering name is a public identifier; the channel's peer is
		// derived from whichever name the handshake settled on.
		peer = HashIdentifier([]byte(negotiated))
	case mode == ModeCertificate && peer.IsNil():
		mode = ModeAnonymous
	}
	return &SecureStream{Conn: dc, mode: mode, peer: peer}, nil
}

//---------------------------------------------------------------------
// Shared verification
//---------------------------------------------------------------------

func verifyPeerRaw(rawCerts [][]byte, verifier Verifier) (Identifier, error) {
	if len(rawCerts) == 0 {
		return NilIdentifier, fmt.Errorf("%w: no peer certificate", ErrAuthFailed)
	}
	id, err := IdentifierFromRawCertificate(rawCerts[0])
	if err != nil {
		return NilIdentifier, err
	}
	if verifier != nil && !verifier(id) {
		return NilIdentifier, fmt.Errorf("%w: peer %s rejected", ErrAuthFailed, id.Short())
	}
	return id, nil
}

func mapHandshakeError(err error) error {
	switch {
	case errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrProtocol):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: handshake", ErrTimeout)
	case strings.Contains(err.Error(), "bad certificate"),
		strings.Contains(err.Error(), "certificate"):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	default:
		return fmt.Errorf("%w: handshake: %v", ErrProtocol, err)
	}
}
