package puzzledto

const (
	CodeNoLinkedAccount   = "no_linked_account"
	CodeHandleNotFound    = "handle_not_found"
	CodeEngineUnavailable = "engine_unavailable"
	CodeEngineTimeout     = "engine_timeout"
	CodeProfileNotFound   = "profile_not_found"
	CodeRunInProgress     = "run_in_progress"
	CodeInternal          = "internal"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "puzzle pipeline error"
}
