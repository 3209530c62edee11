package tls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Certificate errors
	ErrorTypeCertificateLoad       TLSErrorType = "certificate_load"
	ErrorTypeCertificateValidation TLSErrorType = "certificate_validation"
	ErrorTypeCertificateParsing    TLSErrorType = "certificate_parsing"
	ErrorTypeCertificateExpired    TLSErrorType = "certificate_expired"
	ErrorTypeCertificateChain      TLSErrorType = "certificate_chain"

	// File system errors
	ErrorTypeFileAccess   TLSErrorType = "file_access"
	ErrorTypeFileNotFound TLSErrorType = "file_not_found"
	ErrorTypeFileWatching TLSErrorType = "file_watching"

	// TLS handshake errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"

	// Lifecycle errors
	ErrorTypeResourceLimit TLSErrorType = "resource_limit"
	ErrorTypeClosed        TLSErrorType = "closed"
)

var (
	// ErrCertificateParse matches every *CertificateParseError via errors.Is.
	ErrCertificateParse = errors.New("certificate parse error")
	// ErrAllocation matches every *AllocationError via errors.Is.
	ErrAllocation = errors.New("allocation refused")
	// ErrClosed is returned by operations on a TrustConfig after Close.
	ErrClosed = NewTLSError(ErrorTypeClosed, "trust configuration is closed").
			WithSuggestion("Create a new TrustConfig; a closed one cannot be reused")
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// ParseErrorCode identifies why a certificate buffer was rejected.
type ParseErrorCode int

const (
	CodeEmptyBuffer          ParseErrorCode = 0x01
	CodeNoCertificates       ParseErrorCode = 0x02
	CodeMalformedCertificate ParseErrorCode = 0x03
	CodeMalformedDER         ParseErrorCode = 0x04
)

func (c ParseErrorCode) String() string {
	switch c {
	case CodeEmptyBuffer:
		return "empty_buffer"
	case CodeNoCertificates:
		return "no_certificates"
	case CodeMalformedCertificate:
		return "malformed_certificate"
	case CodeMalformedDER:
		return "malformed_der"
	default:
		return "unknown"
	}
}

// CertificateParseError reports a CA buffer that could not be turned into a
// CertificateChain. The previously installed chain is never affected.
type CertificateParseError struct {
	Code    ParseErrorCode
	Message string
	// Index is the zero-based position of the offending certificate, or -1.
	Index int
	Cause error
}

func (e *CertificateParseError) Error() string {
	msg := fmt.Sprintf("failed to load CA certificates: %#04x - %s", int(e.Code), e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CertificateParseError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrCertificateParse.
func (e *CertificateParseError) Is(target error) bool { return target == ErrCertificateParse }

func newParseError(code ParseErrorCode, index int, message string, cause error) *CertificateParseError {
	return &CertificateParseError{Code: code, Message: message, Index: index, Cause: cause}
}

// AllocationError reports a chain that would exceed the configured resource
// limits. Nothing is allocated or installed when it is returned.
type AllocationError struct {
	Resource  string
	Requested int
	Limit     int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("refusing to allocate %s: requested %d, limit %d", e.Resource, e.Requested, e.Limit)
}

// Is reports whether target is ErrAllocation.
func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// Certificate error constructors
func NewCertificateLoadError(path string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to load CA bundle", cause).
		WithContext("path", path).
		WithSuggestion("Verify that the bundle file exists and is readable").
		WithSuggestion("Check that the bundle contains PEM or DER encoded certificates")
}

func NewTrustError(serverName string, cause error) *TLSError {
	err := NewTLSErrorWithCause(ErrorTypeCertificateChain, "peer certificate is not trusted", cause).
		WithContext("server_name", serverName)

	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	switch {
	case errors.As(cause, &unknownAuthority):
		err.WithSuggestion("Install the issuing CA with SetTrustedCertificates or the trust.bundle setting")
	case errors.As(cause, &hostname):
		err.WithSuggestion("Check that the dialed host name matches the certificate's DNS names")
	default:
		err.WithSuggestion("Ensure the peer presents a complete and currently valid chain")
	}
	return err
}

func NewFileNotFoundError(filePath string) *TLSError {
	return NewTLSError(ErrorTypeFileNotFound, fmt.Sprintf("file not found: %s", filePath)).
		WithContext("file_path", filePath).
		WithSuggestion("Verify the file path is correct").
		WithSuggestion("Ensure the file has not been moved or deleted")
}

func NewHandshakeFailureError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason).
		WithSuggestion("Check client and server TLS version compatibility").
		WithSuggestion("Ensure certificates are valid and trusted")
}

// Error classification helpers
func IsCertificateError(err error) bool {
	if errors.Is(err, ErrCertificateParse) {
		return true
	}
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeCertificateLoad, ErrorTypeCertificateValidation, ErrorTypeCertificateParsing,
			ErrorTypeCertificateExpired, ErrorTypeCertificateChain:
			return true
		}
	}
	return false
}

// IsTrustError reports whether err is a handshake-time trust failure.
func IsTrustError(err error) bool {
	var tlsErr *TLSError
	return errors.As(err, &tlsErr) && tlsErr.Type == ErrorTypeCertificateChain
}

// GetRecoverySuggestions returns the suggestions attached to err, if any.
func GetRecoverySuggestions(err error) []string {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Suggestions
	}
	return []string{"Check logs for more details", "Verify TLS trust configuration is correct"}
}

// AsTLSError returns the first *TLSError in err's chain, or nil.
func AsTLSError(err error) *TLSError {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr
	}
	return nil
}
