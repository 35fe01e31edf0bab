package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
)

const agentSecretPrefix = "agent_key/"

// EnsureAgentKey loads an agent's signing key from the keystore or generates
// and stores a fresh one.
func EnsureAgentKey(ctx context.Context, ks KeyBackend, agentID string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if ks == nil {
		return nil, nil, errors.New("keystore is required for agent keys")
	}
	if agentID == "" {
		return nil, nil, ErrInvalidSecretID
	}
	secretID := agentSecretPrefix + agentID

	raw, err := ks.LoadSecret(ctx, secretID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load agent key: %w", err)
		}
		pub, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate agent key: %w", genErr)
		}
		if storeErr := ks.StoreSecret(ctx, secretID, priv); storeErr != nil {
			return nil, nil, fmt.Errorf("store agent key: %w", storeErr)
		}
		return append([]byte(nil), pub...), append([]byte(nil), priv...), nil
	}
	defer zeroBytes(raw)

	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("agent key secret has invalid size %d", len(raw))
	}

	priv := ed25519.PrivateKey(append([]byte(nil), raw...))
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}
