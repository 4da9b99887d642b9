// SPDX-License-Identifier: Apache-2.0
package errors

// Public is the only error shape shown to callers.
type Public struct {
	Name    string    `json:"name"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

var publicNames = map[ErrorCode]string{
	CodeInvalidInput:       "ValidationError",
	CodeNotFound:           "NotFoundError",
	CodeConflict:           "ConflictError",
	CodeTimeout:            "TimeoutError",
	CodeAgentError:         "AgentError",
	CodeAgentTimeout:       "AgentTimeoutError",
	CodeStorage:            "StorageError",
	CodeStorageUnavailable: "StorageTransientError",
	CodeStorageTimeout:     "StorageTimeoutError",
	CodeLLMError:           "ClassificationError",
	CodeSecretUnavailable:  "SecretUnavailableError",
	CodeInternal:           "InternalError",
}

// Sanitize reduces err to its class, message and code. Causes and context are
// dropped. Storage and internal failures get a fixed message because driver
// errors can carry query text and connection strings.
func Sanitize(err error) Public {
	if err == nil {
		return Public{}
	}
	e, ok := As(err)
	if !ok {
		return Public{Name: publicNames[CodeInternal], Message: "internal error", Code: CodeInternal}
	}
	p := Public{Name: publicNames[e.Code], Message: e.Message, Code: e.Code}
	if p.Name == "" {
		p.Name = publicNames[CodeInternal]
	}
	switch e.Code {
	case CodeStorage, CodeStorageUnavailable, CodeStorageTimeout:
		p.Message = "storage unavailable"
	case CodeInternal, CodeSecretUnavailable:
		p.Message = "internal error"
	}
	return p
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	if e, ok := As(err); ok && e.StatusCode != 0 {
		return e.StatusCode
	}
	return 500
}
