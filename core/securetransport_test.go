package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func handshakePair(t *testing.T, clientCreds, serverCreds *Credentials) (*SecureStream, *SecureStream, error, error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		s   *SecureStream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := SecureServerStream(ctx, serverConn, serverCreds)
		ch <- result{s, err}
	}()
	cs, cerr := SecureClientStream(ctx, clientConn, clientCreds)
	sr := <-ch
	return cs, sr.s, cerr, sr.err
}

func TestCertificateHandshake(t *testing.T) {
	clientKey, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	serverKey, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	accept := func(Identifier) bool { return true }

	cs, ss, cerr, serr := handshakePair(t,
		&Credentials{Mode: ModeCertificate, Key: clientKey, Verifier: accept},
		&Credentials{Mode: ModeCertificate, Key: serverKey, Verifier: accept})
	if cerr != nil || serr != nil {
		t.Fatalf("handshake: client=%v server=%v", cerr, serr)
	}
	defer cs.Close()
	defer ss.Close()

	if cs.Mode() != ModeCertificate || ss.Mode() != ModeCertificate {
		t.Fatalf("mode not certificate")
	}
	if cs.Peer() != serverKey.ID {
		t.Fatalf("client saw peer %s, want %s", cs.Peer().Short(), serverKey.ID.Short())
	}
	if ss.Peer() != clientKey.ID {
		t.Fatalf("server saw peer %s, want %s", ss.Peer().Short(), clientKey.ID.Short())
	}

	// Bytes flow both ways.
	msg := []byte("over the channel")
	go cs.Write(msg)
	buf := make([]byte, len(msg))
	ss.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ss.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("payload changed in transit")
	}
}

func TestCertificateHandshakeRejected(t *testing.T) {
	clientKey, _ := GenerateNodeKey()
	serverKey, _ := GenerateNodeKey()

	_, _, cerr, serr := handshakePair(t,
		&Credentials{Mode: ModeCertificate, Key: clientKey, Verifier: func(Identifier) bool { return true }},
		&Credentials{Mode: ModeCertificate, Key: serverKey, Verifier: func(Identifier) bool { return false }})
	if serr == nil {
		t.Fatalf("server accepted rejected peer")
	}
	if !errors.Is(serr, ErrAuthFailed) && !errors.Is(cerr, ErrAuthFailed) && cerr == nil {
		t.Fatalf("no auth failure surfaced: client=%v server=%v", cerr, serr)
	}
}

func TestAnonymousHandshake(t *testing.T) {
	cs, ss, cerr, serr := handshakePair(t,
		&Credentials{Mode: ModeAnonymous},
		&Credentials{Mode: ModeAnonymous})
	if cerr != nil || serr != nil {
		t.Fatalf("handshake: client=%v server=%v", cerr, serr)
	}
	defer cs.Close()
	defer ss.Close()
	if cs.Mode() != ModeAnonymous {
		t.Fatalf("mode=%v", cs.Mode())
	}
	if !cs.Peer().IsNil() {
		t.Fatalf("anonymous channel reported a peer identity")
	}
}

func TestServerAllowsAnonymousClient(t *testing.T) {
	serverKey, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	serverCreds := &Credentials{
		Mode:           ModeCertificate,
		Key:            serverKey,
		AllowAnonymous: true,
		Verifier:       func(Identifier) bool { return true },
	}

	// An anonymous client negotiates Anonymous on the server side too.
	cs, ss, cerr, serr := handshakePair(t, &Credentials{Mode: ModeAnonymous}, serverCreds)
	if cerr != nil || serr != nil {
		t.Fatalf("handshake: client=%v server=%v", cerr, serr)
	}
	if ss.Mode() != ModeAnonymous || !ss.Peer().IsNil() {
		t.Fatalf("server negotiated %v with peer %v", ss.Mode(), ss.Peer())
	}
	cs.Close()
	ss.Close()

	// A certificate client on the same server negotiates Certificate.
	clientKey, _ := GenerateNodeKey()
	cs, ss, cerr, serr = handshakePair(t,
		&Credentials{Mode: ModeCertificate, Key: clientKey, Verifier: func(Identifier) bool { return true }},
		serverCreds)
	if cerr != nil || serr != nil {
		t.Fatalf("handshake: client=%v server=%v", cerr, serr)
	}
	defer cs.Close()
	defer ss.Close()
	if ss.Mode() != ModeCertificate || ss.Peer() != clientKey.ID {
		t.Fatalf("server negotiated %v with peer %v", ss.Mode(), ss.Peer().Short())
	}
}

func TestStreamRejectsPSK(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	_, err := SecureClientStream(context.Background(), c1, &Credentials{
		Mode:    ModePrivateShared,
		PSKName: "pairing",
		PSK:     func(string) ([]byte, error) { return []byte("secret"), nil },
	})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
}

func TestIdentifierFromCertificate(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	id, err := IdentifierFromRawCertificate(key.Certificate.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != key.ID {
		t.Fatalf("identifier mismatch")
	}
	if _, err := IdentifierFromRawCertificate([]byte("garbage")); err == nil {
		t.Fatalf("garbage certificate accepted")
	}
}
