package switchboard

import "strings"

// ControlCommand is an in-band thread directive carried in a prompt body.
// The runner acts on commands directly instead of forwarding the prompt to
// the agent.
type ControlCommand int

const (
	CommandNone ControlCommand = iota
	CommandCancel
	CommandClear
)

func (c ControlCommand) String() string {
	switch c {
	case CommandCancel:
		return "cancel"
	case CommandClear:
		return "clear"
	default:
		return "none"
	}
}

// ParseControlCommand inspects the leading whitespace-delimited token of a
// prompt body, case-insensitively. "/cancel please" cancels; "please /cancel"
// does not.
func ParseControlCommand(body string) ControlCommand {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return CommandNone
	}
	switch strings.ToLower(fields[0]) {
	case "/cancel":
		return CommandCancel
	case "/clear":
		return CommandClear
	default:
		return CommandNone
	}
}
