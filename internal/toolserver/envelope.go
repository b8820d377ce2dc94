package toolserver

import (
	"encoding/json"
	"time"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
)

// Request is the uniform tool-call envelope. Arguments stay raw until the
// dispatched handler decodes them into its own typed form.
type Request struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	RequestID string          `json:"request_id"`

	// Deadline, when set, bounds the whole request including fan-out.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// ErrorInfo carries a failure across the wire without language-specific
// types.
type ErrorInfo struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Response is the uniform reply envelope. A degraded-but-usable result keeps
// OK true and reports the failures in Warnings.
type Response struct {
	RequestID string     `json:"request_id"`
	OK        bool       `json:"ok"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`

	// Context carries the memories auto-recalled for search-family tools.
	Context []memory.Recalled `json:"context,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}
