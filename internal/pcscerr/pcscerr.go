// Package pcscerr defines the SCARD_* status-code space shared by every
// layer of the daemon and the wire protocol.
package pcscerr

import "fmt"

// Code is a PC/SC status code. Values match the public SCARD_* header so
// that client implementations speaking the wire protocol in internal/wire
// need no translation table.
type Code uint32

// The SCARD_* family, restricted to the subset this daemon can emit.
const (
	Success                   Code = 0x00000000
	ErrInternalError          Code = 0x80100001
	ErrCancelled              Code = 0x80100002
	ErrInvalidHandle          Code = 0x80100003
	ErrInvalidParameter       Code = 0x80100004
	ErrInvalidTarget          Code = 0x80100005
	ErrNoMemory               Code = 0x80100006
	ErrInsufficientBuffer     Code = 0x80100008
	ErrUnknownReader          Code = 0x80100009
	ErrTimeout                Code = 0x8010000A
	ErrSharingViolation       Code = 0x8010000B
	ErrNoSmartcard            Code = 0x8010000C
	ErrUnknownCard            Code = 0x8010000D
	ErrCantDispose            Code = 0x8010000E
	ErrProtoMismatch          Code = 0x8010000F
	ErrNotReady               Code = 0x80100010
	ErrInvalidValue           Code = 0x80100011
	ErrSystemCancelled        Code = 0x80100012
	ErrCommError              Code = 0x80100013
	ErrUnknownError           Code = 0x80100014
	ErrServerTooBusy          Code = 0x80100031
	ErrUnsupportedFeature     Code = 0x8010001F
	ErrNoService              Code = 0x8010001D
	ErrServiceStopped         Code = 0x8010001E
	ErrReaderUnavailable      Code = 0x80100017
	ErrDuplicateReader        Code = 0x8010001B
	ErrCardUnsupported        Code = 0x8010001C
	ErrNotTransacted          Code = 0x80100016
	ErrNoReadersAvailable     Code = 0x8010002E
	ErrIccInstallation        Code = 0x80100020
	ErrIccCreateorder         Code = 0x80100021
	ErrDirNotFound            Code = 0x80100023
	ErrFileNotFound           Code = 0x80100024
	ErrNoDir                  Code = 0x80100025
	ErrNoFile                 Code = 0x80100026
	ErrNoAccess               Code = 0x80100027
	ErrWriteTooMany           Code = 0x80100028
	ErrBadSeek                Code = 0x80100029
	ErrInvalidChv             Code = 0x8010002A
	ErrUnknownResMng          Code = 0x8010002B
	ErrNoSuchCertificate      Code = 0x8010002C
	ErrCertificateUnavailable Code = 0x8010002D
	ErrNoReaderIcon           Code = 0x8010002F
	ErrPciTooSmall            Code = 0x80100030
	ErrReaderUnsupported      Code = 0x80100032
	ErrDuplicateFeature       Code = 0x80100033
	ErrCardUnresponsive       Code = 0x80100034
	ErrUnexpected             Code = 0x8010001F
	ErrIncompatibleProtocol   Code = 0x8010001F
	WRemovedCard              Code = 0x80100069
	WResetCard                Code = 0x80100068
	WUnpoweredCard            Code = 0x80100067
	WUnresponsiveCard         Code = 0x80100066
	WUnsupportedCard          Code = 0x80100065
	WUnpoweredReader          Code = 0x80100067
	WInsertedCard             Code = 0x8010006A
)

var names = map[Code]string{
	Success:                   "SCARD_S_SUCCESS",
	ErrInternalError:          "SCARD_F_INTERNAL_ERROR",
	ErrCancelled:              "SCARD_E_CANCELLED",
	ErrInvalidHandle:          "SCARD_E_INVALID_HANDLE",
	ErrInvalidParameter:       "SCARD_E_INVALID_PARAMETER",
	ErrInvalidTarget:          "SCARD_E_INVALID_TARGET",
	ErrNoMemory:               "SCARD_E_NO_MEMORY",
	ErrInsufficientBuffer:     "SCARD_E_INSUFFICIENT_BUFFER",
	ErrUnknownReader:          "SCARD_E_UNKNOWN_READER",
	ErrTimeout:                "SCARD_E_TIMEOUT",
	ErrSharingViolation:       "SCARD_E_SHARING_VIOLATION",
	ErrNoSmartcard:            "SCARD_E_NO_SMARTCARD",
	ErrUnknownCard:            "SCARD_E_UNKNOWN_CARD",
	ErrCantDispose:            "SCARD_E_CANT_DISPOSE",
	ErrProtoMismatch:          "SCARD_E_PROTO_MISMATCH",
	ErrNotReady:               "SCARD_E_NOT_READY",
	ErrInvalidValue:           "SCARD_E_INVALID_VALUE",
	ErrSystemCancelled:        "SCARD_E_SYSTEM_CANCELLED",
	ErrCommError:              "SCARD_E_COMM_DATA_LOST",
	ErrUnknownError:           "SCARD_E_UNKNOWN_ERROR",
	ErrReaderUnavailable:      "SCARD_E_READER_UNAVAILABLE",
	ErrDuplicateReader:        "SCARD_E_DUPLICATE_READER",
	ErrCardUnsupported:        "SCARD_E_CARD_UNSUPPORTED",
	ErrNotTransacted:          "SCARD_E_NOT_TRANSACTED",
	ErrNoReadersAvailable:     "SCARD_E_NO_READERS_AVAILABLE",
	ErrServerTooBusy:          "SCARD_E_SERVER_TOO_BUSY",
	ErrNoService:              "SCARD_E_NO_SERVICE",
	ErrServiceStopped:         "SCARD_E_SERVICE_STOPPED",
	ErrIncompatibleProtocol:   "SCARD_E_UNSUPPORTED_FEATURE",
	WRemovedCard:              "SCARD_W_REMOVED_CARD",
	WResetCard:                "SCARD_W_RESET_CARD",
	WUnpoweredCard:            "SCARD_W_UNPOWERED_CARD",
	WUnresponsiveCard:         "SCARD_W_UNRESPONSIVE_CARD",
	WUnsupportedCard:          "SCARD_W_UNSUPPORTED_CARD",
	WInsertedCard:             "SCARD_W_INSERTED_CARD",
}

// String implements fmt.Stringer with the SCARD_* symbolic name when known.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("SCARD_UNKNOWN(%#08x)", uint32(c))
}

// Error wraps a Code as a Go error, optionally carrying the cause that
// produced it (a driver error, a syscall error, etc).
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps a Code with no underlying cause.
func New(c Code) error {
	if c == Success {
		return nil
	}
	return &Error{Code: c}
}

// Wrap attaches a Code to an underlying cause.
func Wrap(c Code, cause error) error {
	if c == Success && cause == nil {
		return nil
	}
	return &Error{Code: c, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to ErrUnknownError for
// errors that did not originate in this package.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Code
	}
	return ErrUnknownError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
