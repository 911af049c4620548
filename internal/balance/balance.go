// Package balance resolves the account balance the allocator sizes against.
//
// A Provider is the pluggable source; the Cache wrapper is what the rest of
// the process talks to, so sizing decisions can consult the balance on every
// request without hammering the source or ever seeing an error.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Provider fetches the current account balance in USD.
type Provider interface {
	BalanceUSD(ctx context.Context) (float64, error)
}

// Static serves a fixed paper balance.
type Static struct {
	AmountUSD float64
}

func (s Static) BalanceUSD(context.Context) (float64, error) {
	return s.AmountUSD, nil
}

// File reads the balance from a JSON document of the form
//
//	{"balance_usd": 1234.56}
//
// so an external process (exchange sync, accounting job) can refresh the
// figure between polls. Unknown fields are ignored.
type File struct {
	Path string
}

func (f File) BalanceUSD(context.Context) (float64, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, fmt.Errorf("balance file: %w", err)
	}
	var doc struct {
		BalanceUSD float64 `json:"balance_usd"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("balance file %s: %w", f.Path, err)
	}
	if doc.BalanceUSD < 0 {
		return 0, fmt.Errorf("balance file %s: negative balance %v", f.Path, doc.BalanceUSD)
	}
	return doc.BalanceUSD, nil
}
