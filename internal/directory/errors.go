package directory

import "errors"

var (
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrMailboxAlreadyExists = errors.New("mailbox already exists")
	ErrInvalidAddress       = errors.New("invalid mailbox address")
)
