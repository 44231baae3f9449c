package importer

import (
	"errors"
	"fmt"
)

// Error kinds reported by the upload stages. Match them with errors.Is.
var (
	// ErrInvalidRequest indicates an ImportRequest failed validation.
	ErrInvalidRequest = errors.New("invalid import request")
	// ErrFileNotFound indicates an input path is missing, unreadable, or not a regular file.
	ErrFileNotFound = errors.New("file not found")
	// ErrIO indicates archive construction failed while reading or writing bytes.
	ErrIO = errors.New("archive i/o failure")
	// ErrResolution indicates the directory lookup could not produce a ClusterInfo.
	ErrResolution = errors.New("cluster resolution failed")
	// ErrAuthentication indicates the login exchange was rejected or returned no session cookie.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUpload indicates the service answered the upload with a non-OK status.
	ErrUpload = errors.New("upload failed")
	// ErrTransport indicates a network-level fault on any call.
	ErrTransport = errors.New("transport failure")
)

// Kind labels used in metrics, run records, and receipts.
const (
	KindInvalidRequest = "invalid_request"
	KindFileNotFound   = "file_not_found"
	KindIO             = "io_failure"
	KindResolution     = "resolution_failure"
	KindAuthentication = "authentication_failure"
	KindUpload         = "upload_failure"
	KindTransport      = "transport_failure"
	KindUnknown        = "unknown"
)

// UploadError carries the service's response to a rejected upload. Truncated is set
// when Body holds only the first part of a response too large to keep.
type UploadError struct {
	StatusCode int
	Body       string
	Truncated  bool
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("upload failed: status %d (response truncated to %d bytes): %s", e.StatusCode, len(e.Body), e.Body)
	}
	return fmt.Sprintf("upload failed: status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrUpload) match.
func (e *UploadError) Unwrap() error {
	return ErrUpload
}

// KindOf maps err to the most specific kind label. Transport faults rank below the stage
// kind they were raised under, so an unreachable directory reports resolution_failure.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrFileNotFound):
		return KindFileNotFound
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrResolution):
		return KindResolution
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrUpload):
		return KindUpload
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindUnknown
	}
}
