package storage

import "errors"

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrTranscriptExists   = errors.New("transcript already exists")
	ErrInvalidData        = errors.New("invalid data")
	ErrStorageInit        = errors.New("storage initialization failed")
	ErrFileOperation      = errors.New("file operation failed")
)
