package codes

// Worker process exit codes
const (
	Success            = 0
	Failure            = 1
	IsolationViolation = 2
	ProtocolError      = 3
	RuntimeUnavailable = 4
	Terminated         = 137
)

// ExitCodes maps block worker exit codes to their descriptions
var ExitCodes = map[int]string{
	Success:            "Success",
	Failure:            "General failure",
	IsolationViolation: "Worker started outside its isolated context",
	ProtocolError:      "Malformed request or response on the worker channel",
	RuntimeUnavailable: "JavaScript runtime could not be created",
	Terminated:         "Worker was killed (timeout, cancellation or out of memory)",
}

// IsSuccess returns true if the exit code indicates the worker finished cleanly
func IsSuccess(code int) bool {
	return code == Success
}

// IsFatal returns true if the exit code indicates a build configuration defect
// rather than a problem with one block
func IsFatal(code int) bool {
	return code == IsolationViolation
}

// GetErrorMessage returns the message for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ExitCodes[code]; ok {
		return msg
	}

	return "Unknown error"
}
