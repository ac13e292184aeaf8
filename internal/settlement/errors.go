package settlement

import "errors"

// Validation errors. All of these fail fast, before any side effect, and
// are reported to the caller as-is with no retry.
var (
	ErrMissingUser         = errors.New("missing user id")
	ErrSameCurrency        = errors.New("from and to currency are identical")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("amount must be a positive number")
	ErrAmountOutOfRange    = errors.New("amount outside allowed range")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountTooSmall      = errors.New("amount too small after conversion")
)

// IsValidationError reports whether err belongs to the validation
// taxonomy (caller mistake, no retry) as opposed to a storage failure.
func IsValidationError(err error) bool {
	for _, v := range []error{
		ErrMissingUser, ErrSameCurrency, ErrUnsupportedCurrency,
		ErrInvalidAmount, ErrAmountOutOfRange, ErrInsufficientBalance,
		ErrAmountTooSmall,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
