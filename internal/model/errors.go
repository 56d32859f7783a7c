package model

import "errors"

var (
	// ErrWrongPassword is returned when the keycheck of a wrapped blob does not match.
	ErrWrongPassword = errors.New("wrong password")

	// ErrAuthentication is returned when an AEAD tag or KEM step fails on receive.
	ErrAuthentication = errors.New("authentication failure")

	// ErrVerification marks a decrypted message whose identity hash or
	// signature did not verify.
	ErrVerification = errors.New("verification failure")

	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")

	// ErrTransient wraps any failed remote call. Callers retry on the next cycle.
	ErrTransient = errors.New("transient network failure")
)
