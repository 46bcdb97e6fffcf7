// Package identity manages the node's long-lived Ed25519 keypair and the
// signing and verification of message envelopes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kizuna-swarm/bridge/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:identity")

const keyFileName = "identity.json"

// keyFile is the on-disk shape: both keys as hex-encoded DER.
type keyFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Identity is the node's persistent keypair plus its derived identifiers.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	pubHex string // full SPKI DER, hex — the node identifier used in envelopes
}

// LoadOrCreate reads the identity file from dataDir, generating and
// persisting a fresh keypair on first boot.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, keyFileName)

	b, err := os.ReadFile(path)
	if err == nil {
		id, err := fromFile(b)
		if err == nil {
			log.Infof("loaded identity %s", id.ShortID())
			return id, nil
		}
		log.Warnf("corrupt identity file at %s: %v (generating new keypair)", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kf := keyFile{
		PublicKey:  hex.EncodeToString(spki),
		PrivateKey: hex.EncodeToString(pkcs8),
	}
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}

	id := &Identity{pub: pub, priv: priv, pubHex: kf.PublicKey}
	log.Infof("generated new identity %s", id.ShortID())
	return id, nil
}

func fromFile(b []byte) (*Identity, error) {
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, err
	}
	der, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key is %T, want ed25519", keyAny)
	}
	pub := priv.Public().(ed25519.PublicKey)

	// Re-derive the public hex rather than trusting the stored copy.
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{pub: pub, priv: priv, pubHex: hex.EncodeToString(spki)}, nil
}

// PublicKeyHex returns the full SPKI-DER hex form, the node identifier.
func (id *Identity) PublicKeyHex() string { return id.pubHex }

// RawHex returns the raw 32-byte public key as hex: the SPKI encoding with
// its fixed DER header stripped.
func (id *Identity) RawHex() string { return RawHex(id.pubHex) }

// ShortID returns the last 8 hex characters of the raw key.
func (id *Identity) ShortID() string { return ShortID(id.pubHex) }

// Sign serialises nothing: it signs the UTF-8 bytes of content exactly as
// given and returns the envelope carrying that same string verbatim.
func (id *Identity) Sign(content string) proto.Envelope {
	sig := ed25519.Sign(id.priv, []byte(content))
	return proto.Envelope{
		Content:   content,
		SenderKey: id.pubHex,
		Signature: hex.EncodeToString(sig),
		Timestamp: proto.NowMillis(),
	}
}

// SignJSON marshals v to its canonical JSON string once and signs it.
func (id *Identity) SignJSON(v any) (proto.Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return proto.Envelope{}, err
	}
	return id.Sign(string(b)), nil
}

// Verify checks env.Signature over the UTF-8 bytes of env.Content using
// env.SenderKey as the verification key. Trust is per-envelope: the sender
// key is self-proving, not checked against any trust anchor.
func Verify(env proto.Envelope) bool {
	spki, err := hex.DecodeString(env.SenderKey)
	if err != nil {
		return false
	}
	keyAny, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return false
	}
	pub, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(env.Content), sig)
}

// RawHex strips the fixed SPKI header from a full hex public key, leaving
// the raw 32-byte form (the last 64 hex characters).
func RawHex(pubHex string) string {
	if len(pubHex) < 64 {
		return pubHex
	}
	return pubHex[len(pubHex)-64:]
}

// ShortID returns the last 8 hex characters of a full or raw hex key.
func ShortID(pubHex string) string {
	if len(pubHex) < 8 {
		return pubHex
	}
	return pubHex[len(pubHex)-8:]
}
