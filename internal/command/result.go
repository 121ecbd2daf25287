package command

// Codes produced by the dispatcher in addition to the state and payment
// codes it passes through.
const (
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeDemoRunning        = "DEMO_ALREADY_RUNNING"
	CodeDemoNotRunning     = "DEMO_NOT_RUNNING"
	CodeCancelled          = "CANCELLED"
	CodeShuttingDown       = "SHUTTING_DOWN"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorInfo describes a failed command.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a dispatched command. A failed command never
// surfaces as a Go error or panic.
type Result struct {
	Success       bool       `json:"success"`
	Error         *ErrorInfo `json:"error,omitempty"`
	Version       int64      `json:"version"`
	CorrelationID string     `json:"correlationId"`
	Data          any        `json:"data,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func failure(code, message string) Result {
	return Result{Error: &ErrorInfo{Code: code, Message: message}}
}

// Code returns the error code, or "" on success.
func (r Result) Code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}
