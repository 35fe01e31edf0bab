package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TrustLevel classifies how much a recipient may rely on inbound content.
type TrustLevel string

const (
	// TrustExternal means the signature verified against the sender's key.
	TrustExternal TrustLevel = "external"
	// TrustUntrusted means no signature was supplied or it failed to verify.
	TrustUntrusted TrustLevel = "untrusted"
)

// signing material joins fields with newlines; none of the covered fields may
// contain one on the wire. The payload is hashed first so the signed material
// stays fixed-size regardless of payload length.
const fieldSeparator = "\n"

func signingMaterial(env Envelope, payload Payload) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	digest := sha256.Sum256(payloadJSON)

	material := strings.Join([]string{
		env.From,
		env.To,
		env.Subject,
		string(env.Priority),
		env.InReplyTo,
		hex.EncodeToString(digest[:]),
	}, fieldSeparator)
	return []byte(material), nil
}

// Sign computes the sender signature over the envelope fields and payload
// digest. The returned signature is base64.
func Sign(env Envelope, payload Payload, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("private key has invalid size %d", len(priv))
	}
	material, err := signingMaterial(env, payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, material)), nil
}

// Verify recomputes the signing material and checks the signature. It never
// panics or returns an error: any failure, including a malformed key or
// signature encoding, reports false.
func Verify(env Envelope, payload Payload, signature string, pub ed25519.PublicKey) bool {
	if signature == "" || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	material, err := signingMaterial(env, payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, material, sig)
}

// TrustFor computes the trust level for an inbound message. Unsigned
// messages are always untrusted, never external.
func TrustFor(env Envelope, payload Payload, senderPublicKey []byte) TrustLevel {
	if env.Signature == "" || len(senderPublicKey) == 0 {
		return TrustUntrusted
	}
	if Verify(env, payload, env.Signature, ed25519.PublicKey(senderPublicKey)) {
		return TrustExternal
	}
	return TrustUntrusted
}
