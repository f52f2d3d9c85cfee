package switchboard

import "fmt"

// ErrProtocol reports a malformed or out-of-order request at an engine
// boundary: an unknown hub envelope type, a SendMessage before RegisterUser,
// a reentrant client dispatch. Boundary handlers reject with a single
// terminal error and keep the connection alive.
type ErrProtocol struct {
	Reason string
}

func (e *ErrProtocol) Error() string {
	return "protocol: " + e.Reason
}

// ErrAgentRun reports an irrecoverable model failure mid-run. The runner
// converts it into a terminal Error update on the prompt's output stream;
// the thread group itself survives.
type ErrAgentRun struct {
	Agent   string
	Message string
}

func (e *ErrAgentRun) Error() string {
	return fmt.Sprintf("%s: %s", e.Agent, e.Message)
}

// ErrLLM reports a provider-level failure (HTTP error body, refusal).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx upstream response.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
