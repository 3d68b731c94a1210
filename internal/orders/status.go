package orders

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaid              Status = "PAID"
	StatusProcessing        Status = "PROCESSING"
	StatusReadyToShip       Status = "READY_TO_SHIP"
	StatusShipped           Status = "SHIPPED"
	StatusDelivered         Status = "DELIVERED"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
	StatusRefundRequested   Status = "REFUND_REQUESTED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusOnHold            Status = "ON_HOLD"
)

// validNext is the whole transition graph. Anything missing is rejected.
var validNext = map[Status]map[Status]bool{
	StatusPending:           {StatusPaid: true, StatusProcessing: true, StatusCancelled: true},
	StatusPaid:              {StatusProcessing: true, StatusCancelled: true, StatusRefundRequested: true},
	StatusProcessing:        {StatusReadyToShip: true, StatusOnHold: true, StatusCancelled: true},
	StatusReadyToShip:       {StatusShipped: true, StatusOnHold: true, StatusCancelled: true},
	StatusShipped:           {StatusDelivered: true},
	StatusDelivered:         {StatusCompleted: true, StatusRefundRequested: true},
	StatusRefundRequested:   {StatusRefunded: true, StatusPartiallyRefunded: true},
	StatusOnHold:            {StatusProcessing: true, StatusCancelled: true},
	StatusCompleted:         {},
	StatusCancelled:         {},
	StatusRefunded:          {},
	StatusPartiallyRefunded: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Statuses lists every status in declaration order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusPaid, StatusProcessing, StatusReadyToShip,
		StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled,
		StatusRefundRequested, StatusRefunded, StatusPartiallyRefunded, StatusOnHold,
	}
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// RestoresStock reports whether entering s hands the order's quantities
// back to the variants. Both statuses are terminal, so it happens once.
func (s Status) RestoresStock() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// PaymentStatus returns the payment status implied by entering s, if any.
func (s Status) PaymentStatus() (PaymentStatus, bool) {
	switch s {
	case StatusPaid:
		return PaymentPaid, true
	case StatusRefunded:
		return PaymentRefunded, true
	case StatusPartiallyRefunded:
		return PaymentPartiallyRefunded, true
	}
	return "", false
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

type PaymentMethod string

const (
	PaymentCOD          PaymentMethod = "COD"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentCard         PaymentMethod = "CARD"
	PaymentEWallet      PaymentMethod = "EWALLET"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentBankTransfer, PaymentCard, PaymentEWallet:
		return true
	}
	return false
}
