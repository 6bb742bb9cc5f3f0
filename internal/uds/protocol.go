// Package uds implements Unix Domain Socket based IPC between the CLI and daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/msageha/tofud/internal/model"
)

const ProtocolVersion = 1

// Commands served by the daemon.
const (
	CmdPing      = "ping"
	CmdLoopStart = "loop_start"
	CmdLoopStop  = "loop_stop"
	CmdLoopList  = "loop_list"
	CmdAction    = "action"
	CmdJobCancel = "job_cancel"
	CmdJobList   = "job_list"
	CmdStatus    = "status"
	CmdStats     = "stats"
	CmdConfigPut = "config_put"
	CmdShutdown  = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMissingConfig    = "MISSING_CONFIGURATION"
	ErrCodeDependency       = "DEPENDENCY_NOT_READY"
	ErrCodeLockTimeout      = "LOCK_TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
)

// TargetParams identifies one resource. Provider selects the tenant's
// network instead of a service.
type TargetParams struct {
	Tenant   string `json:"tenant"`
	Resource string `json:"resource,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Key resolves the params to a validated ResourceKey.
func (p TargetParams) Key() (model.ResourceKey, error) {
	if p.Provider != "" {
		if p.Resource != "" {
			return model.ResourceKey{}, fmt.Errorf("%w: resource and provider are exclusive", model.ErrInvalidIdentifier)
		}
		key := model.NetworkKey(p.Tenant, p.Provider)
		return key, key.Validate()
	}
	return model.NewResourceKey(p.Tenant, p.Resource)
}

type ActionParams struct {
	TargetParams
	Action string `json:"action"`
	// Wait blocks until the action finishes and returns its status.
	Wait bool `json:"wait,omitempty"`
}

type JobParams struct {
	ID string `json:"id"`
}

type TenantParams struct {
	Tenant string `json:"tenant,omitempty"`
}

// ConfigPutParams stores a service or network configuration document. With
// neither Resource nor Provider set a new service is created under a
// generated identifier.
type ConfigPutParams struct {
	TargetParams
	ServiceType string          `json:"service_type,omitempty"`
	Config      json.RawMessage `json:"config"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s: missing params", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%s: decode params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorFrom maps engine errors onto protocol error codes.
func ErrorFrom(err error) *Response {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, model.ErrInvalidIdentifier), errors.Is(err, model.ErrInvalidAction):
		code = ErrCodeValidation
	case errors.Is(err, model.ErrMissingConfiguration):
		code = ErrCodeMissingConfig
	case errors.Is(err, model.ErrDependencyMissing), errors.Is(err, model.ErrDependencyNotReady):
		code = ErrCodeDependency
	case errors.Is(err, model.ErrLockTimeout):
		code = ErrCodeLockTimeout
	case errors.Is(err, model.ErrJobNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, model.ErrProcessCancelled):
		code = ErrCodeCancelled
	}
	return ErrorResponse(code, err.Error())
}

// Decode unmarshals a successful response's data into v, or returns the
// remote error.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return errors.New("request failed without error detail")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// DefaultSocketName is the conventional socket filename inside the state dir.
const DefaultSocketName = "tofud.sock"

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// io.Copy handles short writes
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > 10*1024*1024 { // 10MB safety limit
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
