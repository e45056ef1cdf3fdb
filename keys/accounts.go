/*
accounts.go - Credit account provisioning and grants

Payment capture (Stripe) lives outside this engine; what crosses the
boundary is a grant of already-purchased credits. Grants only ever add:
the sole path that subtracts is DebitForAssignment inside an allocation.
*/
package keys

import (
	"context"
	"fmt"
)

type AccountService struct {
	Store Store
}

func NewAccountService(store Store) *AccountService {
	return &AccountService{Store: store}
}

// CreateAccount provisions a principal with an initial balance.
func (as *AccountService) CreateAccount(ctx context.Context, principal PrincipalID, initial int64) (*CreditAccount, error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: empty principal id", ErrInvalidValue)
	}
	if initial < 0 {
		return nil, fmt.Errorf("%w: negative initial balance", ErrInvalidQuantity)
	}
	existing, err := as.Store.GetAccount(ctx, principal)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	acct := CreditAccount{PrincipalID: principal, Balance: initial}
	if err := as.Store.PutAccount(ctx, acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Grant adds credits to an existing account.
func (as *AccountService) Grant(ctx context.Context, principal PrincipalID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: grant must be positive", ErrInvalidQuantity)
	}
	acct, err := as.Store.GetAccount(ctx, principal)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", principal, ErrNotFound)
	}
	return as.Store.GrantCredits(ctx, principal, amount)
}
