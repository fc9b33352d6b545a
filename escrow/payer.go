package escrow

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/ledger"
)

// Payer moves value out of the escrow.
type Payer interface {
	Transfer(ctx context.Context, to ledger.Address, amount ledger.Amount) error
}

// Token is a fungible token whose Transfer reports success as a boolean.
type Token interface {
	Transfer(ctx context.Context, to ledger.Address, amount ledger.Amount) (bool, error)
}

// TokenPayer pays through a Token. A false result is a failed transfer.
type TokenPayer struct {
	Token Token
}

func (p TokenPayer) Transfer(ctx context.Context, to ledger.Address, amount ledger.Amount) error {
	ok, err := p.Token.Transfer(ctx, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: token rejected transfer of %s to %s", ErrTransferFailed, amount, to)
	}
	return nil
}

// AccountPayer credits in-process account balances.
type AccountPayer struct {
	mu       sync.Mutex
	balances map[ledger.Address]ledger.Amount
}

func NewAccountPayer() *AccountPayer {
	return &AccountPayer{balances: make(map[ledger.Address]ledger.Amount)}
}

func (p *AccountPayer) Transfer(_ context.Context, to ledger.Address, amount ledger.Amount) error {
	if to == "" {
		return fmt.Errorf("%w: empty recipient", ErrTransferFailed)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := p.balances[to].Add(amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	p.balances[to] = next
	return nil
}

func (p *AccountPayer) Balance(addr ledger.Address) ledger.Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[addr]
}

// Total returns the sum of every credited balance.
func (p *AccountPayer) Total() ledger.Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total ledger.Amount
	for _, v := range p.balances {
		total += v
	}
	return total
}
