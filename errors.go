package telemetry

import "errors"

// ErrValidation is wrapped by every error returned from a value-object
// constructor (Namespace, TagSet, FieldSet, Point) that rejects its input.
var ErrValidation = errors.New("telemetry: validation error")

// ErrAuthenticationFailed is returned by the auth driver when the backend
// rejects a login, access-token, or logout request with an unexpected
// status code.
var ErrAuthenticationFailed = errors.New("telemetry: authentication failed")
