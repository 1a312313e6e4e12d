package service

import (
	"errors"

	"github.com/nongsan/marketplace-api/internal/repository"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("access denied")
	ErrProductNotFound    = errors.New("product not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrProductExists      = errors.New("product already mirrored")
	ErrProductHasOrders   = errors.New("product has orders")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInvalidSignature   = errors.New("invalid gateway signature")
	ErrAmountMismatch     = errors.New("amount does not match payment")
	ErrPaymentFailed      = errors.New("payment failed")
	ErrNotOnLedger        = errors.New("not registered on ledger")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// mapRepoErr translates store sentinels into service errors and passes
// everything else through.
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOutOfStock):
		return ErrOutOfStock
	case errors.Is(err, repository.ErrStatusConflict):
		return ErrInvalidTransition
	case errors.Is(err, repository.ErrNotFound):
		return ErrProductNotFound
	case errors.Is(err, repository.ErrHasOrders):
		return ErrProductHasOrders
	}
	return err
}
