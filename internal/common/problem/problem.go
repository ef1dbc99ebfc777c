// Package problem defines the gateway's error taxonomy and its two client-visible
// renderings: RFC 7807 problem documents for HTTP errors and JSON-RPC 2.0 error
// objects for protocol errors. All components return *Problem; adjacent layers
// translate kinds at boundaries but never invent new ones.
package problem

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one entry of the closed error taxonomy.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindUnauthorized         Kind = "unauthorized"
	KindClientNotFound       Kind = "client_not_found"
	KindSessionNotFound      Kind = "session_not_found"
	KindSessionAlreadyExists Kind = "session_already_exists"
	KindConflict             Kind = "conflict"
	KindUnsupportedAgent     Kind = "unsupported_agent"
	KindAgentNotInstalled    Kind = "agent_not_installed"
	KindInstallFailed        Kind = "install_failed"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindNotAcceptable        Kind = "not_acceptable"
	KindStreamError          Kind = "stream_error"
	KindTimeout              Kind = "timeout"
)

// kindInfo carries the stable external mapping for one kind.
type kindInfo struct {
	httpStatus int
	rpcCode    int // 0 means the kind has no JSON-RPC representation
	title      string
}

var kinds = map[Kind]kindInfo{
	KindInvalidRequest:       {http.StatusBadRequest, -32600, "Invalid request"},
	KindUnauthorized:         {http.StatusUnauthorized, 0, "Unauthorized"},
	KindClientNotFound:       {http.StatusNotFound, 0, "ACP client not found"},
	KindSessionNotFound:      {http.StatusNotFound, -32001, "Session not found"},
	KindSessionAlreadyExists: {http.StatusConflict, -32002, "Session already exists"},
	KindConflict:             {http.StatusConflict, 0, "Conflict"},
	KindUnsupportedAgent:     {http.StatusBadRequest, -32003, "Unsupported agent"},
	KindAgentNotInstalled:    {http.StatusServiceUnavailable, -32004, "Agent not installed"},
	KindInstallFailed:        {http.StatusInternalServerError, -32005, "Agent install failed"},
	KindUnsupportedMediaType: {http.StatusUnsupportedMediaType, 0, "Unsupported media type"},
	KindNotAcceptable:        {http.StatusNotAcceptable, 0, "Not acceptable"},
	KindStreamError:          {http.StatusInternalServerError, -32010, "Agent stream error"},
	KindTimeout:              {http.StatusGatewayTimeout, -32011, "Request timed out"},
}

// Problem is an error belonging to the taxonomy. Detail is optional free text
// for humans; Kind is the only machine-readable discriminator.
type Problem struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates a Problem of the given kind with an optional detail message.
func New(kind Kind, detail string) *Problem {
	return &Problem{Kind: kind, Detail: detail}
}

// Newf creates a Problem with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Problem {
	return &Problem{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a Problem that wraps an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Problem {
	return &Problem{Kind: kind, Detail: detail, cause: cause}
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", p.Kind, p.Detail)
	}
	return string(p.Kind)
}

func (p *Problem) Unwrap() error { return p.cause }

// HTTPStatus returns the HTTP status code for this problem.
func (p *Problem) HTTPStatus() int {
	if info, ok := kinds[p.Kind]; ok {
		return info.httpStatus
	}
	return http.StatusInternalServerError
}

// Title returns the short human-readable title for this problem.
func (p *Problem) Title() string {
	if info, ok := kinds[p.Kind]; ok {
		return info.title
	}
	return "Internal error"
}

// RPCCode returns the JSON-RPC error code for this problem and whether the
// kind has a JSON-RPC representation at all.
func (p *Problem) RPCCode() (int, bool) {
	info, ok := kinds[p.Kind]
	if !ok || info.rpcCode == 0 {
		return 0, false
	}
	return info.rpcCode, true
}

// TypeURN returns the stable problem type URN.
func (p *Problem) TypeURN() string {
	return "urn:sandboxagent:error:" + string(p.Kind)
}

// Document is the RFC 7807 wire representation, rendered as
// application/problem+json on every non-2xx HTTP response.
type Document struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Doc builds the problem document for this problem.
func (p *Problem) Doc() Document {
	return Document{
		Type:   p.TypeURN(),
		Title:  p.Title(),
		Status: p.HTTPStatus(),
		Detail: p.Detail,
	}
}

// RPCError is the JSON-RPC 2.0 error object representation.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPC builds the JSON-RPC error object. Kinds without a protocol code fall
// back to -32603 (internal error) so a response envelope is always well formed.
func (p *Problem) RPC() RPCError {
	code, ok := p.RPCCode()
	if !ok {
		code = -32603
	}
	msg := p.Title()
	if p.Detail != "" {
		msg = p.Detail
	}
	return RPCError{Code: code, Message: msg}
}

// From extracts a Problem from err, or wraps err as a StreamError when it does
// not belong to the taxonomy.
func From(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return Wrap(KindStreamError, err.Error(), err)
}

// IsKind reports whether err is a Problem of the given kind.
func IsKind(err error, kind Kind) bool {
	var p *Problem
	return errors.As(err, &p) && p.Kind == kind
}
