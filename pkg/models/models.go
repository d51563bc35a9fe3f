package models

// AgentDBRequest is the body of POST /agent/db.
type AgentDBRequest struct {
	NaturalLanguage string `json:"natural_language"`
	Hints           *Hints `json:"hints,omitempty"`
}

// Hints optionally narrow resource selection before routing.
type Hints struct {
	Resources []string `json:"resources,omitempty"`
}

// ErrorType is the closed taxonomy of gateway failures.
type ErrorType string

const (
	ErrAmbiguousIntent       ErrorType = "AMBIGUOUS_INTENT"
	ErrUnauthorizedOperation ErrorType = "UNAUTHORIZED_OPERATION"
	ErrUnauthorizedField     ErrorType = "UNAUTHORIZED_FIELD"
	ErrInvalidQuery          ErrorType = "INVALID_QUERY"
	ErrResourceNotFound      ErrorType = "RESOURCE_NOT_FOUND"
	ErrConflict              ErrorType = "CONFLICT"
)

// HTTPStatus maps each error type to exactly one status code.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case ErrAmbiguousIntent:
		return 422
	case ErrUnauthorizedOperation, ErrUnauthorizedField:
		return 403
	case ErrInvalidQuery:
		return 400
	case ErrResourceNotFound:
		return 404
	case ErrConflict:
		return 409
	}
	return 500
}

// ResponseError carries failure details inside the unified envelope.
type ResponseError struct {
	Type          ErrorType      `json:"type"`
	Message       string         `json:"message"`
	Clarification string         `json:"clarification,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Pagination echoes the limit/offset actually applied to a read.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// AgentDBResponse is the unified envelope for every /agent/db outcome. Every
// key is always emitted; operation, resource, page, and error serialize as
// null on the outcome that does not populate them.
type AgentDBResponse struct {
	OK        bool             `json:"ok"`
	Operation *string          `json:"operation"`
	Resource  *string          `json:"resource"`
	Data      []map[string]any `json:"data"`
	Count     int              `json:"count"`
	Page      *Pagination      `json:"page"`
	Error     *ResponseError   `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
}

// Success builds a success envelope with post-image rows.
func Success(operation, resource string, data []map[string]any, page *Pagination) AgentDBResponse {
	if data == nil {
		data = []map[string]any{}
	}
	return AgentDBResponse{
		OK:        true,
		Operation: &operation,
		Resource:  &resource,
		Data:      data,
		Count:     len(data),
		Page:      page,
	}
}

// Failure builds an error envelope.
func Failure(errType ErrorType, message string) AgentDBResponse {
	return AgentDBResponse{
		OK:   false,
		Data: []map[string]any{},
		Error: &ResponseError{
			Type:    errType,
			Message: message,
		},
	}
}

// FailureWithDetails builds an error envelope carrying structured details.
func FailureWithDetails(errType ErrorType, message string, details map[string]any) AgentDBResponse {
	resp := Failure(errType, message)
	resp.Error.Details = details
	return resp
}
