package escrow

import (
	"errors"
	"fmt"
)

// Error codes for rejected preconditions. The numeric tag prefixes the
// message so callers can assert on the failure reason, not just the
// failure. Codes are stable; never renumber, only append.
const (
	CodeIncreaseNotAllowed    = 2000 // fungible reduce above current max
	CodeIncreaseAboveCount    = 2001 // non-fungible reduce above current count
	CodeReduceUnbounded       = 2002 // reduce on an unlimited dimension
	CodeNegativeAmount        = 2003
	CodeNotWholeNumber        = 2004
	CodeWrongReduceMethod     = 2005 // by-ids reduce on a fungible allowance
	CodeNoIDSetToReduce       = 2006
	CodeNoRemainingToReduce   = 2007
	CodeQuantityMismatch      = 2008 // quantity tag vs asset fungibility
	CodeNotYetValid           = 2009
	CodeInsufficientAllowance = 2010
	CodeNoLongerValid         = 2011
	CodeInsufficientInstances = 2012
	CodeUntrustedRequestor    = 2013
	CodePoolNotFound          = 2014
	CodeStoreNotFound         = 2015
	CodeWrongPool             = 2016
	CodeInsufficientFunds     = 2017
	CodeAllowanceNotFound     = 2018
	CodeNotFeeAsset           = 2019
)

// Error is a coded precondition failure. The code renders as a prefix
// of the message.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

// NewError builds a coded error. Consumers of the escrow surface use
// it to stay inside the same code convention.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func codedErr(code int, format string, args ...any) *Error {
	return NewError(code, format, args...)
}

// IsCode reports whether err is an escrow Error with the given code.
func IsCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
