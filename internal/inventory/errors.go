package inventory

import "errors"

// Error classes. Every error returned by the service matches exactly one of
// these through errors.Is.
var (
	// ErrValidation indicates invalid input; nothing was applied.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("inventory: not found")
	// ErrCapability indicates the item lacks the flag required by the operation.
	ErrCapability = errors.New("inventory: operation not enabled for item")
	// ErrConcurrencyConflict indicates a lost update on a shared record. Retryable.
	ErrConcurrencyConflict = errors.New("inventory: concurrent modification")
	// ErrStorage indicates a persistence failure; the unit of work was rolled back.
	ErrStorage = errors.New("inventory: storage failure")
)

// classError is a specific error that also matches its class.
type classError struct {
	class error
	msg   string
}

func (e *classError) Error() string { return "inventory: " + e.msg }

func (e *classError) Unwrap() error { return e.class }

func validationError(msg string) error { return &classError{class: ErrValidation, msg: msg} }

func notFoundError(msg string) error { return &classError{class: ErrNotFound, msg: msg} }

func capabilityError(msg string) error { return &classError{class: ErrCapability, msg: msg} }

var (
	ErrInvalidQuantity       = validationError("quantity must be greater than zero")
	ErrInvalidSplitQuantity  = validationError("split quantity must be greater than zero and less than the remaining quantity")
	ErrQuantityPrecision     = validationError("quantity has more than 4 decimal places")
	ErrNegativeStock         = validationError("negative stock not allowed")
	ErrInsufficientAvailable = validationError("quantity exceeds available stock")
	ErrInsufficientAllocated = validationError("quantity exceeds allocated stock")
	ErrInsufficientLot       = validationError("quantity exceeds lot remaining quantity")
	ErrInsufficientUnit      = validationError("quantity exceeds unit quantity")
	ErrUnitIncrease          = validationError("unit quantity can only decrease")
	ErrLotOverRestored       = validationError("lot remaining quantity cannot exceed its original quantity")
	ErrMissingReference      = validationError("item and warehouse required")
	ErrLotRequired           = validationError("lot required for batch tracked item")
	ErrLotItemMismatch       = validationError("lot belongs to a different item")
	ErrSerialMismatch        = validationError("serial does not belong to the referenced lot")
	ErrTransferTarget        = validationError("transfer requires a destination different from the source")
	ErrUnknownTransaction    = validationError("unknown transaction type")
	ErrInvalidRefID          = validationError("reference id must be a uuid")
	ErrDuplicateLotNumber    = validationError("lot number already exists for item")
	ErrInvalidQualityStatus  = validationError("unknown quality status")
	ErrInvalidUnitStatus     = validationError("unknown unit status")
	ErrLotInUse              = validationError("lot has children, units or transactions")
	ErrUnitInUse             = validationError("unit has children or transactions")
	ErrNumberExhausted       = validationError("could not allocate a unique number")
	ErrAlertInactive         = validationError("alert is not active")
	ErrDuplicateRequest      = validationError("transaction already posted")

	ErrItemNotFound      = notFoundError("item not found")
	ErrLotNotFound       = notFoundError("lot not found")
	ErrUnitNotFound      = notFoundError("unit not found")
	ErrSerialNotFound    = notFoundError("serial not found")
	ErrInventoryNotFound = notFoundError("inventory row not found")
	ErrAlertNotFound     = notFoundError("alert not found")

	ErrSplitNotAllowed   = capabilityError("item does not allow split")
	ErrBatchesNotTracked = capabilityError("item does not track batches")
	ErrSerialsNotTracked = capabilityError("item does not track serials")
)

// ErrConservationViolated is raised when a split would not conserve quantity.
// It aborts the unit of work and is never expected in practice.
var ErrConservationViolated = errors.New("inventory: quantity conservation violated")

// IsRetryable reports whether err may succeed when the caller retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
