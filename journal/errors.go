package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
)

// Storage failure classes. A *StorageError matches its class with
// errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrDenied      = errors.New("access denied")
	ErrNoSpace     = errors.New("no space left")
	ErrUnavailable = errors.New("storage unavailable")

	errUnclassified = errors.New("storage error")
)

// StorageError is a dataset failure tagged with its class.
type StorageError struct {
	Class error
	// Op is "init", "read" or "write".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	where := e.Op
	if e.Path != "" {
		where += " " + e.Path
	}
	return fmt.Sprintf("journal %s: %v: %v", where, e.Class, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return e.Class == target }

// Transient reports whether err is worth retrying later.
func Transient(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Class == ErrUnavailable || se.Class == errUnclassified
	}
	return err != nil
}

func wrapStorageError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Class: classify(err), Op: op, Path: path, Err: err}
}

// s3Codes maps S3 API error codes to classes.
var s3Codes = map[string]error{
	"NoSuchKey":             ErrNotFound,
	"NoSuchBucket":          ErrNotFound,
	"NotFound":              ErrNotFound,
	"AccessDenied":          ErrDenied,
	"Forbidden":             ErrDenied,
	"InvalidAccessKeyId":    ErrDenied,
	"SignatureDoesNotMatch": ErrDenied,
	"ExpiredToken":          ErrDenied,
	"SlowDown":              ErrUnavailable,
	"ServiceUnavailable":    ErrUnavailable,
	"RequestTimeout":        ErrUnavailable,
	"InternalError":         ErrUnavailable,
}

// messageHints classify errors that carry no type, matched in order
// against the lowercased message.
var messageHints = []struct {
	hint  string
	class error
}{
	{"no space left", ErrNoSpace},
	{"quota exceeded", ErrNoSpace},
	{"permission denied", ErrDenied},
	{"accessdenied", ErrDenied},
	{"nocredentialproviders", ErrDenied},
	{"no such file", ErrNotFound},
	{"nosuchkey", ErrNotFound},
	{"does not exist", ErrNotFound},
	{"deadline exceeded", ErrUnavailable},
	{"timed out", ErrUnavailable},
	{"slowdown", ErrUnavailable},
	{"connection refused", ErrUnavailable},
	{"no route to host", ErrUnavailable},
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if class, ok := s3Codes[apiErr.ErrorCode()]; ok {
			return class
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrDenied
	case errors.Is(err, syscall.ENOSPC):
		return ErrNoSpace
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, h := range messageHints {
		if strings.Contains(msg, h.hint) {
			return h.class
		}
	}
	return errUnclassified
}
