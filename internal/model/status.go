package model

type ProductStatus string

const (
	StatusAvailable       ProductStatus = "available"
	StatusCashPending     ProductStatus = "cash-pending"
	StatusSold            ProductStatus = "sold"
	StatusRefundRequested ProductStatus = "refund-requested"
	StatusRefunded        ProductStatus = "refunded"
)

var validNext = map[ProductStatus]map[ProductStatus]bool{
	StatusAvailable:       {StatusCashPending: true, StatusSold: true},
	StatusCashPending:     {StatusSold: true, StatusAvailable: true},
	StatusSold:            {StatusRefundRequested: true},
	StatusRefundRequested: {StatusRefunded: true},
	StatusRefunded:        {},
}

func CanTransition(from, to ProductStatus) bool {
	return validNext[from][to]
}

func (s ProductStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s ProductStatus) Terminal() bool {
	return len(validNext[s]) == 0
}

// DeriveStatus computes the externally visible status from quantity and the
// stored flag.
func DeriveStatus(quantity int, stored ProductStatus) ProductStatus {
	switch stored {
	case StatusCashPending, StatusRefundRequested, StatusRefunded:
		return stored
	}
	if quantity <= 0 {
		return StatusSold
	}
	return StatusAvailable
}
