package store

import "errors"

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrSchemaTooNew is returned when the file was written by a newer schema.
	ErrSchemaTooNew = errors.New("store: file schema is newer than this build")
	// ErrCorrupt is returned when a stored row cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt record")
	// ErrUnknownCollection is returned for names the schema does not declare.
	ErrUnknownCollection = errors.New("store: unknown collection")
	// ErrUnknownIndex is returned for index names the collection does not declare.
	ErrUnknownIndex = errors.New("store: unknown index")
)
