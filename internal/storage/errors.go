package storage

import (
	"errors"
	"fmt"
)

// ErrAliasTaken marks a wallet-spec/registry mismatch. The registry row
// wins; the caller must never silently rewrite it.
var ErrAliasTaken = errors.New("wallet alias bound to a different pubkey")

// ErrWalletMismatch builds the mismatch error for an alias.
func ErrWalletMismatch(alias, stored, given string) error {
	return fmt.Errorf("wallet %q: %w (store has %s, spec has %s)",
		alias, ErrAliasTaken, stored, given)
}
