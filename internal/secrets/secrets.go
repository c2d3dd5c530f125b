// Package secrets generates or reuses credential values under a stable
// policy. Generation is the only failure mode: an unreadable randomness
// source is fatal, everything else is deterministic.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/systmms/stackup/internal/state"
)

// SecretBytes is the entropy per generated secret. Hex encoding doubles it
// to the value length on disk.
const SecretBytes = 32

// Policy controls when an existing value is replaced.
type Policy string

const (
	// GenerateIfAbsent keeps a non-empty existing value untouched.
	GenerateIfAbsent Policy = "generate-if-absent"

	// ForceRegenerate discards any existing value and issues a new one.
	ForceRegenerate Policy = "force-regenerate"
)

// Value is an ensured secret with its provenance.
type Value struct {
	String string
	Source state.Source
}

// Ensure returns the credential value for a field. A non-empty existing
// value wins unless the policy forces regeneration.
func Ensure(name string, policy Policy, existing string) (Value, error) {
	if existing != "" && policy != ForceRegenerate {
		return Value{String: existing, Source: state.SourceReused}, nil
	}

	generated, err := generate()
	if err != nil {
		return Value{}, fmt.Errorf("generating secret for %s: %w", name, err)
	}
	return Value{String: generated, Source: state.SourceGenerated}, nil
}

func generate() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("randomness source unavailable: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
