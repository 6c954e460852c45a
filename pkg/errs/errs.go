// Package errs defines the closed error taxonomy shared by every component.
//
// Each error carries a machine tag (Code) and a user-safe message. Internal
// detail lives in wrapped errors and structured fields, never in the message
// shown to callers.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code is the machine tag of a taxonomy error.
type Code string

const (
	CodeUnauthorized     Code = "unauthorized"
	CodeForbidden        Code = "forbidden"
	CodeNotFound         Code = "not_found"
	CodeValidation       Code = "validation"
	CodeConfiguration    Code = "configuration"
	CodeProvider         Code = "provider"
	CodeAPIKey           Code = "api_key"
	CodeRateLimit        Code = "rate_limit"
	CodeNetwork          Code = "network"
	CodeModelNotFound    Code = "model_not_found"
	CodeInvalidRequest   Code = "invalid_request"
	CodeContextOverflow  Code = "context_overflow"
	CodeToolLoopExceeded Code = "tool_loop_exceeded"
	CodeStorage          Code = "storage"
	CodeEncryption       Code = "encryption"
)

// Error is the common shape of every taxonomy error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the taxonomy code of err, or empty string when err is not a
// taxonomy error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return CodeValidation
	}
	var c *ConfigurationError
	if errors.As(err, &c) {
		return CodeConfiguration
	}
	var p *ProviderError
	if errors.As(err, &p) {
		return CodeProvider
	}
	var r *RateLimitError
	if errors.As(err, &r) {
		return CodeRateLimit
	}
	var m *ModelNotFoundError
	if errors.As(err, &m) {
		return CodeModelNotFound
	}
	var o *ContextOverflowError
	if errors.As(err, &o) {
		return CodeContextOverflow
	}
	var t *ToolLoopExceededError
	if errors.As(err, &t) {
		return CodeToolLoopExceeded
	}
	var s *StorageError
	if errors.As(err, &s) {
		return CodeStorage
	}
	return ""
}

func Unauthorized(msg string) error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func NotFound(entity, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// IsNotFound reports whether err is a not-found taxonomy error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeNotFound
}

// ValidationError reports schema-invalid writes with the offending fields.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("[%s] %s (fields: %v)", CodeValidation, e.Message, e.Fields)
	}
	return fmt.Sprintf("[%s] %s", CodeValidation, e.Message)
}

func Validation(msg string, fields ...string) error {
	return &ValidationError{Message: msg, Fields: fields}
}

// ConfigurationError reports a missing credential, profile or setting.
type ConfigurationError struct {
	Missing []string
	Message string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("[%s] %s (missing: %v)", CodeConfiguration, e.Message, e.Missing)
	}
	return fmt.Sprintf("[%s] %s", CodeConfiguration, e.Message)
}

func Configuration(msg string, missing ...string) error {
	return &ConfigurationError{Message: msg, Missing: missing}
}

// ProviderError is any non-retryable provider failure. Detail holds a short
// preview of the provider response body.
type ProviderError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s returned status %d: %s", CodeProvider, e.Provider, e.Status, e.Detail)
}

func Provider(provider string, status int, detail string) error {
	return &ProviderError{Provider: provider, Status: status, Detail: detail}
}

func APIKey(provider string) error {
	return &Error{Code: CodeAPIKey, Message: fmt.Sprintf("invalid or missing API key for %s", provider)}
}

// RateLimitError carries the provider-advertised retry delay when known.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("[%s] %s rate limited, retry after %v", CodeRateLimit, e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("[%s] %s rate limited", CodeRateLimit, e.Provider)
}

func RateLimit(provider string, retryAfter time.Duration) error {
	return &RateLimitError{Provider: provider, RetryAfter: retryAfter}
}

func Network(provider string, err error) error {
	return &Error{Code: CodeNetwork, Message: fmt.Sprintf("network failure talking to %s", provider), Err: err}
}

// ModelNotFoundError reports an unknown model id.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("[%s] model %q not found", CodeModelNotFound, e.Model)
}

func ModelNotFound(model string) error {
	return &ModelNotFoundError{Model: model}
}

func InvalidRequest(detail string) error {
	return &Error{Code: CodeInvalidRequest, Message: detail}
}

// ContextOverflowError reports that mandatory prompt content alone exceeds
// the provider context window.
type ContextOverflowError struct {
	Required  int
	Available int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("[%s] prompt requires %d tokens but only %d are available", CodeContextOverflow, e.Required, e.Available)
}

func ContextOverflow(required, available int) error {
	return &ContextOverflowError{Required: required, Available: available}
}

// ToolLoopExceededError reports that the tool-resume loop hit its bound.
type ToolLoopExceededError struct {
	Limit int
}

func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("[%s] tool loop exceeded limit of %d", CodeToolLoopExceeded, e.Limit)
}

func ToolLoopExceeded(limit int) error {
	return &ToolLoopExceededError{Limit: limit}
}

// StorageError reports an I/O failure in repositories or the file store.
type StorageError struct {
	Kind string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("[%s] %s failure: %v", CodeStorage, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func Storage(kind string, err error) error {
	return &StorageError{Kind: kind, Err: err}
}

// Encryption reports a credential encrypt/decrypt failure. Fail-closed: the
// wrapped cause is kept for logs but the message never includes key material.
func Encryption(err error) error {
	return &Error{Code: CodeEncryption, Message: "credential encryption failure", Err: err}
}
