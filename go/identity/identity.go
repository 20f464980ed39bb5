// Package identity implements did:wba node identities: an Ed25519 key pair
// bound to a self-certifying identifier, signing and verification, and the
// DID document published at /.well-known/did.json.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DID identifiers look like did:wba:<host>:<name>, where <host> may carry a
// percent-encoded port (%3A) and <name> is the owner-chosen node name.
var didRe = regexp.MustCompile(`^did:wba:[a-zA-Z0-9._:%-]+:[a-zA-Z0-9_-]+$`)

// ValidDID reports whether |did| is a well-formed did:wba identifier.
func ValidDID(did string) bool { return didRe.MatchString(did) }

// FormatDID derives an identifier from a host segment and node name.
// The host must already be percent-encoded if it embeds a port.
func FormatDID(host, name string) string {
	return fmt.Sprintf("did:wba:%s:%s", host, name)
}

// Host returns the percent-decoded host component of |did|, suitable for
// building URLs (localhost%3A7777 becomes localhost:7777).
func Host(did string) (string, error) {
	var parts = strings.Split(did, ":")
	if len(parts) < 4 || parts[0] != "did" || parts[1] != "wba" {
		return "", fmt.Errorf("invalid DID %q", did)
	}
	return strings.ReplaceAll(parts[2], "%3A", ":"), nil
}

// Name returns the trailing name component of |did|, or |did| itself if it
// has no separators.
func Name(did string) string {
	var ind = strings.LastIndex(did, ":")
	return did[ind+1:]
}

// VerificationMethod binds a DID fragment to a public key.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Document is the published DID document.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
	Created            string               `json:"created"`
}

// PublicKeyB64 extracts the base64url public key of the first verification
// method carrying a multibase "z" prefix.
func (d *Document) PublicKeyB64() (string, bool) {
	for _, vm := range d.VerificationMethod {
		if strings.HasPrefix(vm.PublicKeyMultibase, "z") {
			return vm.PublicKeyMultibase[1:], true
		}
	}
	return "", false
}

// Identity is one node's Ed25519 key pair and identifier.
type Identity struct {
	DID string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh key pair with an identifier derived from
// |host| and |name|.
func Generate(name, host string) (*Identity, error) {
	var pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &Identity{DID: FormatDID(host, name), priv: priv, pub: pub}, nil
}

// Load reads an identity from |dir|: the private key from keys/private.pem,
// and the identifier from did.json, falling back to identity.json.
func Load(dir string) (*Identity, error) {
	var pemBytes, err = os.ReadFile(filepath.Join(dir, "keys", "private.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	priv, err := parsePrivatePEM(pemBytes)
	if err != nil {
		return nil, err
	}

	var did string
	for _, name := range []string{"did.json", "identity.json"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec struct {
			ID string `json:"id"`
		}
		if err = json.Unmarshal(raw, &rec); err == nil && rec.ID != "" {
			did = rec.ID
			break
		}
	}
	if did == "" {
		return nil, fmt.Errorf("neither did.json nor identity.json found in %s", dir)
	}
	return &Identity{DID: did, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate loads the identity persisted under |dir| if a private key
// exists, and otherwise generates and saves a fresh one.
func LoadOrGenerate(dir, name, host string) (*Identity, error) {
	if _, err := os.Stat(filepath.Join(dir, "keys", "private.pem")); err == nil {
		return Load(dir)
	}
	var identity, err = Generate(name, host)
	if err != nil {
		return nil, err
	}
	if err = identity.Save(dir); err != nil {
		return nil, err
	}
	return identity, nil
}

// Save writes the PEM key pair under |dir|/keys (private key owner-only)
// and the DID document at |dir|/did.json.
func (i *Identity) Save(dir string) error {
	var keysDir = filepath.Join(dir, "keys")
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return fmt.Errorf("creating keys dir: %w", err)
	}

	var der, err = x509.MarshalPKCS8PrivateKey(i.priv)
	if err != nil {
		return fmt.Errorf("marshalling private key: %w", err)
	}
	var privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err = os.WriteFile(filepath.Join(keysDir, "private.pem"), privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	der, err = x509.MarshalPKIXPublicKey(i.pub)
	if err != nil {
		return fmt.Errorf("marshalling public key: %w", err)
	}
	var pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err = os.WriteFile(filepath.Join(keysDir, "public.pem"), pubPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	doc, err := json.MarshalIndent(i.Document(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling DID document: %w", err)
	}
	if err = os.WriteFile(filepath.Join(dir, "did.json"), doc, 0o644); err != nil {
		return fmt.Errorf("writing DID document: %w", err)
	}
	return nil
}

// UpdateHost re-derives the identifier for a changed host and rewrites the
// DID document under |dir|. Keys are unchanged.
func (i *Identity) UpdateHost(host, dir string) error {
	i.DID = FormatDID(host, Name(i.DID))
	if dir == "" {
		return nil
	}
	return i.Save(dir)
}

// Sign returns the base64url (no padding) Ed25519 signature of |data|.
func (i *Identity) Sign(data []byte) string {
	return b64url(ed25519.Sign(i.priv, data))
}

// Verify checks |sig| over |data| against the identity's own public key.
func (i *Identity) Verify(data []byte, sig string) bool {
	return VerifyWith(b64url(i.pub), data, sig)
}

// PublicKeyB64 is the raw 32-byte public key, base64url without padding.
func (i *Identity) PublicKeyB64() string { return b64url(i.pub) }

// Document builds the DID document for this identity.
func (i *Identity) Document() *Document {
	var vmID = i.DID + "#key-1"
	return &Document{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/ed25519-2020/v1",
		},
		ID: i.DID,
		VerificationMethod: []VerificationMethod{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         i.DID,
			PublicKeyMultibase: "z" + i.PublicKeyB64(),
		}},
		Authentication:  []string{vmID},
		AssertionMethod: []string{vmID},
		Created:         time.Now().UTC().Format(time.RFC3339),
	}
}

// VerifyWith checks a base64url signature over |data| against a base64url
// public key. Every decoding or cryptographic failure reports false.
func VerifyWith(pubB64 string, data []byte, sig string) bool {
	var pub, err = b64urlDecode(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := b64urlDecode(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, raw)
}

func parsePrivatePEM(pemBytes []byte) (ed25519.PrivateKey, error) {
	var block, _ = pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key file")
	}
	var key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected Ed25519", key)
	}
	return priv, nil
}

func b64url(data []byte) string { return base64.RawURLEncoding.EncodeToString(data) }

func b64urlDecode(s string) ([]byte, error) {
	// Tolerate padded input from other implementations.
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
