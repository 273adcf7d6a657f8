package billingperiod

import "errors"

// ErrInvalidUnit is returned by ParseUnit for unknown unit names.
var ErrInvalidUnit = errors.New("invalid billing period unit")
