package errors

import (
	"fmt"
)

var (
	// ErrNoRootHandle is returned by tree operations attempted before a local
	// root directory has been bound.
	ErrNoRootHandle = New("no root file handle")

	// ErrAlreadyDisposed is returned by any drive operation after Dispose.
	ErrAlreadyDisposed = New("drive has been disposed")
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// PathNotFound is returned when a segment of a drive path doesn't exist in
// the bound local directory, or exists with the wrong kind.
type PathNotFound struct {
	Path string
}

func (err PathNotFound) Error() string {
	return fmt.Sprintf("path %q not found", err.Path)
}

// DuplicateFactory is returned when a second live document factory is
// registered for the same content type.
type DuplicateFactory struct {
	ContentType string
}

func (err DuplicateFactory) Error() string {
	return fmt.Sprintf("the content type %s already exists", err.ContentType)
}

// NotImplemented is returned by drive methods that are deliberately
// unsupported.
type NotImplemented struct {
	Method string
}

func (err NotImplemented) Error() string {
	return fmt.Sprintf("%s: method not implemented", err.Method)
}

// UnsupportedFormat describes why a live document wasn't created. It's only
// logged; callers get no document instead.
type UnsupportedFormat struct {
	Format string
}

func (err UnsupportedFormat) Error() string {
	return fmt.Sprintf("only defined formats are supported; got %q", err.Format)
}
