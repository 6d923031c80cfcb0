package security

import (
	"errors"
	"fmt"

	"github.com/qeo-project/realm-security/pkg/mgmtclient"
)

// ErrorKind is one of the closed set of error kinds the core surfaces to
// callers.
type ErrorKind int

const (
	ErrKindGenericFailure ErrorKind = iota
	ErrKindBadState
	ErrKindInvalidArgument
	ErrKindNotEnoughMemory
	ErrKindNoData
	ErrKindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindBadState:
		return "BadState"
	case ErrKindInvalidArgument:
		return "InvalidArgument"
	case ErrKindNotEnoughMemory:
		return "NotEnoughMemory"
	case ErrKindNoData:
		return "NoData"
	case ErrKindUnsupported:
		return "Unsupported"
	default:
		return "GenericFailure"
	}
}

// CoreError wraps an underlying error with one of the closed error kinds.
type CoreError struct {
	Kind ErrorKind
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

func newCoreError(kind ErrorKind, err error) *CoreError {
	return &CoreError{Kind: kind, Err: err}
}

// FailureReason is the closed set of reasons an authentication attempt can
// land in AuthenticationFailure.
type FailureReason int

const (
	ReasonUnknown FailureReason = iota
	ReasonCancelled
	ReasonRemoteRegistrationTimeout
	ReasonPlatformFailure
	ReasonInvalidOtp
	ReasonInternalError
	ReasonNetworkFailure
	ReasonSslHandshakeFailure
	ReasonReceivedInvalidCredentials
	ReasonStoreFailure
)

func (r FailureReason) String() string {
	switch r {
	case ReasonCancelled:
		return "Cancelled"
	case ReasonRemoteRegistrationTimeout:
		return "RemoteRegistrationTimeout"
	case ReasonPlatformFailure:
		return "PlatformFailure"
	case ReasonInvalidOtp:
		return "InvalidOtp"
	case ReasonInternalError:
		return "InternalError"
	case ReasonNetworkFailure:
		return "NetworkFailure"
	case ReasonSslHandshakeFailure:
		return "SslHandshakeFailure"
	case ReasonReceivedInvalidCredentials:
		return "ReceivedInvalidCredentials"
	case ReasonStoreFailure:
		return "StoreFailure"
	default:
		return "Unknown"
	}
}

// reasonForErr maps a management-client error one-to-one onto a
// FailureReason. Errors that are not a *mgmtclient.Error fall back to
// InternalError.
func reasonForErr(err error) FailureReason {
	var mgmtErr *mgmtclient.Error
	if !errors.As(err, &mgmtErr) {
		return ReasonInternalError
	}
	switch mgmtErr.Code {
	case mgmtclient.ErrOTP:
		return ReasonInvalidOtp
	case mgmtclient.ErrConnect:
		return ReasonNetworkFailure
	case mgmtclient.ErrSSL:
		return ReasonSslHandshakeFailure
	default:
		return ReasonInternalError
	}
}
