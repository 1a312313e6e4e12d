package repository

import "errors"

var (
	ErrNotFound       = errors.New("resource not found")
	ErrOutOfStock     = errors.New("not enough quantity available")
	ErrStatusConflict = errors.New("resource is not in the expected state")
	ErrDuplicate      = errors.New("duplicate resource")
	ErrHasOrders      = errors.New("product has orders")
)
