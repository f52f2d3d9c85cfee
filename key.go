package switchboard

import "fmt"

// ThreadKey identifies one conversation thread: a chat, a topic within it,
// and the agent addressed. It is comparable and used directly as a map key
// across the grouper, pairer, buffer and fan-out.
//
// TopicID 0 means the chat has no provisioned topic for the agent yet; the
// engine resolves it through a TopicProvisioner before grouping.
type ThreadKey struct {
	ChatID  int64
	TopicID int64
	AgentID string
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.ChatID, k.TopicID, k.AgentID)
}

// Provisioned reports whether the key carries a concrete topic.
func (k ThreadKey) Provisioned() bool {
	return k.TopicID != 0
}
