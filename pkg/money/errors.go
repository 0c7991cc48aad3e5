package money

import "errors"

var ErrPrecision = errors.New("money: more than 2 decimal places")
