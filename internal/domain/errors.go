package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// Workflow taxonomy.
	ErrValidation         = errors.New("invalid input")
	ErrNotConnected       = errors.New("no wallet connected")
	ErrEncryptionFailed   = errors.New("encryption failed")
	ErrUserRejected       = errors.New("transaction rejected by signer")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrAlreadyVerified    = errors.New("listing already verified")
	ErrPendingUnconfirmed = errors.New("transaction pending confirmation")
	ErrBusy               = errors.New("workflow already in progress")
)
