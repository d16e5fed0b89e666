// Package wallet parses and resolves managed-wallet declarations.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/storage"
)

// Spec is one managed wallet declared on the CLI as
// alias:pubkey[:color]. Immutable once resolved.
type Spec struct {
	Alias    string
	Pubkey   string
	Color    string
	WalletID int64
}

// ParseSpec parses an alias:pubkey[:color] declaration.
func ParseSpec(s string) (*Spec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, blockchain.Errorf(blockchain.KindInvalidInput, "ParseSpec",
			"wallet spec %q must be alias:pubkey[:color]", s)
	}

	spec := &Spec{Alias: strings.TrimSpace(parts[0]), Pubkey: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		spec.Color = strings.TrimSpace(parts[2])
	}

	if spec.Alias == "" {
		return nil, blockchain.Errorf(blockchain.KindInvalidInput, "ParseSpec",
			"wallet spec %q has empty alias", s)
	}
	if err := validatePubkey(spec.Pubkey); err != nil {
		return nil, err
	}
	return spec, nil
}

func validatePubkey(pubkey string) error {
	if len(pubkey) < 32 || len(pubkey) > 44 {
		return blockchain.Errorf(blockchain.KindInvalidInput, "ParseSpec",
			"pubkey %q has invalid length %d", pubkey, len(pubkey))
	}
	raw, err := base58.Decode(pubkey)
	if err != nil {
		return blockchain.E(blockchain.KindInvalidInput, "ParseSpec",
			fmt.Errorf("pubkey %q is not base58: %w", pubkey, err))
	}
	if len(raw) != 32 {
		return blockchain.Errorf(blockchain.KindInvalidInput, "ParseSpec",
			"pubkey %q decodes to %d bytes, want 32", pubkey, len(raw))
	}
	return nil
}

// Registry is the subset of the store the resolver needs.
type Registry interface {
	EnsureWallet(ctx context.Context, alias, pubkey, color string) (*storage.Wallet, error)
}

// Resolve binds a spec to its store row, assigning WalletID. A registry
// row with the same alias but a different pubkey is an InvalidInput
// error, never silently corrected.
func Resolve(ctx context.Context, reg Registry, spec *Spec) error {
	w, err := reg.EnsureWallet(ctx, spec.Alias, spec.Pubkey, spec.Color)
	if err != nil {
		if errors.Is(err, storage.ErrAliasTaken) {
			return blockchain.E(blockchain.KindInvalidInput, "wallet.Resolve", err)
		}
		return blockchain.E(blockchain.KindStoreUnavailable, "wallet.Resolve", err)
	}
	spec.WalletID = w.ID
	log.Debug().Str("alias", spec.Alias).Int64("walletId", w.ID).Msg("wallet resolved")
	return nil
}
