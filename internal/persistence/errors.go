package persistence

import "errors"

// Registry misuse.
var (
	ErrInvalidRole     = errors.New("invalid role")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// Store and claim misuse. ErrClaimConflict is a control-flow signal: the
// caller lost a race and should move on to another task.
var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotClaimable      = errors.New("task not claimable")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrInvalidPayload    = errors.New("invalid payload")
)

// ErrStorageCorruption marks persisted state that could not be decoded. It is
// never downgraded to an empty collection.
var ErrStorageCorruption = errors.New("storage corruption")

// External handler failures, recorded in a task's terminal result.
var (
	ErrHandlerTimeout   = errors.New("handler timeout")
	ErrHandlerExecution = errors.New("handler execution failed")
)

var errorClasses = []struct {
	err   error
	class string
}{
	{ErrInvalidRole, "InvalidRoleError"},
	{ErrUnknownAgent, "UnknownAgentError"},
	{ErrUnknownTask, "UnknownTaskError"},
	{ErrUnknownWorkflow, "UnknownWorkflowError"},
	{ErrUnknownDependency, "UnknownDependencyError"},
	{ErrInvalidTransition, "InvalidTransitionError"},
	{ErrNotClaimable, "NotClaimableError"},
	{ErrClaimConflict, "ClaimConflictError"},
	{ErrInvalidPayload, "InvalidPayloadError"},
	{ErrStorageCorruption, "StorageCorruptionError"},
	{ErrHandlerTimeout, "HandlerTimeoutError"},
	{ErrHandlerExecution, "HandlerExecutionError"},
}

// ErrorClass names the taxonomy class of err, or "InternalError" when err
// wraps none of the sentinels. It returns "" for nil.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorClasses {
		if errors.Is(err, ec.err) {
			return ec.class
		}
	}
	return "InternalError"
}
