// Package errclass defines the closed error taxonomy shared by every pipeguard component.
//
// Each Kind carries a stable integer code that is also the process exit code, so callers
// can branch on failures without parsing text.
package errclass

import (
	"errors"
	"fmt"
)

// Kind is a stable error category.
type Kind int

const (
	Success Kind = iota
	GeneralError
	LockTimeout
	StateCorruption
	ValidationFailed
	DependencyMissing
	PermissionDenied
	DiskFull
	NetworkError
	Timeout
	ResourceExhausted
	ConfigurationError
	DataIntegrity
	ServiceUnavailable
	AuthenticationError
	AuthorizationError
)

var kindNames = [...]string{
	Success:             "success",
	GeneralError:        "general_error",
	LockTimeout:         "lock_timeout",
	StateCorruption:     "state_corruption",
	ValidationFailed:    "validation_failed",
	DependencyMissing:   "dependency_missing",
	PermissionDenied:    "permission_denied",
	DiskFull:            "disk_full",
	NetworkError:        "network_error",
	Timeout:             "timeout",
	ResourceExhausted:   "resource_exhausted",
	ConfigurationError:  "configuration_error",
	DataIntegrity:       "data_integrity",
	ServiceUnavailable:  "service_unavailable",
	AuthenticationError: "authentication_error",
	AuthorizationError:  "authorization_error",
}

// Code returns the stable integer code (also used as exit status).
func (k Kind) Code() int { return int(k) }

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k belongs to the taxonomy.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// Kinds returns every kind in code order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind accepts a kind name ("lock_timeout", "LockTimeout") or its integer code.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if s == name || normalize(s) == normalize(name) {
			return Kind(i), nil
		}
	}
	var code int
	if _, err := fmt.Sscanf(s, "%d", &code); err == nil && Kind(code).Valid() {
		return Kind(code), nil
	}
	return GeneralError, ErrValidationFailed.WithMessagef("unknown error kind %q", s)
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_' || c == '-':
			continue
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// Error is a stable, machine-readable error with a taxonomy kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.Err }

// WithMessage returns a new Error with the same Kind and Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error carrying err as its cause.
func (e *Error) Wrap(err error, msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: err}
}

// Stable error classes. The set of Kinds is closed; several codes may share a Kind.
var (
	ErrGeneral            = &Error{Kind: GeneralError, Code: "E_GENERAL"}
	ErrLockTimeout        = &Error{Kind: LockTimeout, Code: "E_LOCK_TIMEOUT"}
	ErrDeadlockRisk       = &Error{Kind: GeneralError, Code: "E_DEADLOCK_RISK"}
	ErrNotOwner           = &Error{Kind: PermissionDenied, Code: "E_NOT_OWNER"}
	ErrNameInvalid        = &Error{Kind: ValidationFailed, Code: "E_NAME_INVALID"}
	ErrStateCorruption    = &Error{Kind: StateCorruption, Code: "E_STATE_CORRUPTION"}
	ErrValidationFailed   = &Error{Kind: ValidationFailed, Code: "E_VALIDATION_FAILED"}
	ErrDependencyMissing  = &Error{Kind: DependencyMissing, Code: "E_DEPENDENCY_MISSING"}
	ErrPermissionDenied   = &Error{Kind: PermissionDenied, Code: "E_PERMISSION_DENIED"}
	ErrDiskFull           = &Error{Kind: DiskFull, Code: "E_DISK_FULL"}
	ErrNetwork            = &Error{Kind: NetworkError, Code: "E_NETWORK"}
	ErrTimeout            = &Error{Kind: Timeout, Code: "E_TIMEOUT"}
	ErrResourceExhausted  = &Error{Kind: ResourceExhausted, Code: "E_RESOURCE_EXHAUSTED"}
	ErrConfiguration      = &Error{Kind: ConfigurationError, Code: "E_CONFIGURATION"}
	ErrDataIntegrity      = &Error{Kind: DataIntegrity, Code: "E_DATA_INTEGRITY"}
	ErrServiceUnavailable = &Error{Kind: ServiceUnavailable, Code: "E_SERVICE_UNAVAILABLE"}
	ErrAuthentication     = &Error{Kind: AuthenticationError, Code: "E_AUTHENTICATION"}
	ErrAuthorization      = &Error{Kind: AuthorizationError, Code: "E_AUTHORIZATION"}

	ErrCheckpointNotFound = &Error{Kind: GeneralError, Code: "E_CHECKPOINT_NOT_FOUND"}
	ErrCheckpointInvalid  = &Error{Kind: DataIntegrity, Code: "E_CHECKPOINT_INVALID"}
	ErrCircuitOpen        = &Error{Kind: ServiceUnavailable, Code: "E_CIRCUIT_OPEN"}
	ErrNotInitialized     = &Error{Kind: ConfigurationError, Code: "E_NOT_INITIALIZED"}
)

// ForKind returns the canonical error class of a kind.
func ForKind(k Kind) *Error {
	switch k {
	case LockTimeout:
		return ErrLockTimeout
	case StateCorruption:
		return ErrStateCorruption
	case ValidationFailed:
		return ErrValidationFailed
	case DependencyMissing:
		return ErrDependencyMissing
	case PermissionDenied:
		return ErrPermissionDenied
	case DiskFull:
		return ErrDiskFull
	case NetworkError:
		return ErrNetwork
	case Timeout:
		return ErrTimeout
	case ResourceExhausted:
		return ErrResourceExhausted
	case ConfigurationError:
		return ErrConfiguration
	case DataIntegrity:
		return ErrDataIntegrity
	case ServiceUnavailable:
		return ErrServiceUnavailable
	case AuthenticationError:
		return ErrAuthentication
	case AuthorizationError:
		return ErrAuthorization
	default:
		return ErrGeneral
	}
}

// KindOf classifies err. nil is Success; errors outside the taxonomy are translated
// through FromIO and default to GeneralError.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if t := FromIO(err); t != nil {
		var te *Error
		if errors.As(t, &te) {
			return te.Kind
		}
	}
	return GeneralError
}

// CodeOf returns the stable string code of err, or "" when err is not classified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
