package scans

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned when the scanner executable cannot be located.
var ErrToolNotFound = errors.New("scanner executable not found")

// ConfigError is fatal to a run and is never retried.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PullError wraps a registry or image store failure for one image or account.
type PullError struct {
	Account string
	Image   string
	Err     error
}

func (e *PullError) Error() string {
	if e.Image == "" {
		return fmt.Sprintf("pull from account %s: %v", e.Account, e.Err)
	}
	return fmt.Sprintf("pull %s from account %s: %v", e.Image, e.Account, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// ImageMismatchError is returned when the pulled image does not resolve to
// the requested reference.
type ImageMismatchError struct {
	Requested ImageRef
	Resolved  string
}

func (e *ImageMismatchError) Error() string {
	return fmt.Sprintf("pulled image %s does not match requested %s", e.Resolved, e.Requested)
}

// LoginError is returned when registry authentication fails.
type LoginError struct {
	Registry string
	Err      error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login to %s: %v", e.Registry, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }
