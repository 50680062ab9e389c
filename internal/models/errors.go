package models

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidEndpoint    = errors.New("unsupported or malformed platform endpoint")
	ErrProvisioningDenied = errors.New("platform registration denied")
	ErrSessionNotFound    = errors.New("session not found")
	ErrIllegalTransition  = errors.New("illegal lifecycle transition")
)

// FetchError reports a network or parse failure against an external source
type FetchError struct {
	Source string
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch %s: %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err as a FetchError
func NewFetchError(source, url string, err error) error {
	return &FetchError{Source: source, URL: url, Err: err}
}
