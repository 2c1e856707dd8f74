package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Expected business outcomes. Handlers map these to client errors;
// anything else is treated as an internal failure.
var (
	ErrorUnauthorized       = errors.New("unauthorized")
	ErrorForbidden          = errors.New("forbidden")
	ErrorEntryNotFound      = errors.New("entry not found")
	ErrorCodeMissing        = errors.New("item code missing in payload")
	ErrorQuantityInvalid    = errors.New("quantity is not a valid number")
	ErrorItemNotFound       = errors.New("ledger item not found")
	ErrorNegativeNotAllowed = errors.New("stock cannot go below zero")
)
