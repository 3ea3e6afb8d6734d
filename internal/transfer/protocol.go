package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Protocol version and headers
const (
	TusResumable = "1.0.0"

	HeaderTusResumable         = "Tus-Resumable"
	HeaderTusVersion           = "Tus-Version"
	HeaderTusExtension         = "Tus-Extension"
	HeaderTusMaxSize           = "Tus-Max-Size"
	HeaderTusChecksumAlgorithm = "Tus-Checksum-Algorithm"
	HeaderUploadLength         = "Upload-Length"
	HeaderUploadOffset         = "Upload-Offset"
	HeaderUploadMetadata       = "Upload-Metadata"
	HeaderUploadChecksum       = "Upload-Checksum"
	HeaderUploadExpires        = "Upload-Expires"
	HeaderUploadDeferLength    = "Upload-Defer-Length"

	ContentTypeOffset = "application/offset+octet-stream"
)

// StatusChecksumMismatch is the tus checksum extension's response code.
const StatusChecksumMismatch = 460

// Extensions advertised on OPTIONS.
var Extensions = []string{"creation", "termination", "checksum", "expiration"}

// tusRequestHeaders are the headers a browser client must be allowed to send.
var tusRequestHeaders = []string{
	HeaderTusResumable,
	HeaderUploadLength,
	HeaderUploadOffset,
	HeaderUploadMetadata,
	HeaderUploadChecksum,
	HeaderUploadDeferLength,
}

// tusResponseHeaders are exposed to browser clients.
var tusResponseHeaders = []string{
	"Location",
	HeaderTusResumable,
	HeaderTusVersion,
	HeaderTusExtension,
	HeaderTusMaxSize,
	HeaderTusChecksumAlgorithm,
	HeaderUploadLength,
	HeaderUploadOffset,
	HeaderUploadMetadata,
	HeaderUploadExpires,
}

// Client-side error kinds. An *Error matches its kind with errors.Is.
var (
	ErrNetwork          = errors.New("network error")
	ErrOffsetConflict   = errors.New("offset conflict")
	ErrUnknownSession   = errors.New("unknown upload session")
	ErrOversizedChunk   = errors.New("chunk exceeds upload size")
	ErrInvalidSize      = errors.New("invalid upload size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrStorageFailure   = errors.New("server storage failure")
	ErrSessionFinished  = errors.New("upload already finished")
	ErrAborted          = errors.New("upload aborted")
	ErrProtocol         = errors.New("protocol error")
)

// Error is a failed exchange with the upload server.
type Error struct {
	Kind   error
	Status int
	// Offset is the server's authoritative offset on a conflict.
	Offset uint64
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the request may succeed if repeated.
func (e *Error) Temporary() bool {
	return e.Kind == ErrNetwork
}

// kindForStatus maps a response code to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrUnknownSession
	case status == http.StatusConflict:
		return ErrOffsetConflict
	case status == http.StatusRequestEntityTooLarge:
		return ErrOversizedChunk
	case status == StatusChecksumMismatch:
		return ErrChecksumMismatch
	case status == http.StatusInsufficientStorage:
		return ErrStorageFailure
	case status == http.StatusLocked,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return ErrNetwork
	default:
		return ErrProtocol
	}
}
