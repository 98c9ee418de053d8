package store

import "errors"

var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("record already exists")
	ErrForeignKey = errors.New("referenced record does not exist")
	ErrBeginTx    = errors.New("failed to begin transaction")
	ErrCommitTx   = errors.New("failed to commit transaction")
)
