package switchboard

import "context"

// PromptSource produces a surface's inbound prompt flow. The returned
// channel closes when ctx is cancelled and not before: fetch failures are
// recoverable and must yield nothing rather than end the sequence.
type PromptSource interface {
	ReadPrompts(ctx context.Context) <-chan Prompt
}

// ThreadProvisioner allocates a thread on the surface, named name, and
// echoes header into it as the opening message. Returns the new thread id.
type ThreadProvisioner interface {
	ProvisionThread(ctx context.Context, chatID int64, name, header string) (int64, error)
}

// ThreadProber reports whether a thread still exists on the surface. The
// sweep loop uses it to drop state for threads deleted out from under us.
type ThreadProber interface {
	ThreadExists(ctx context.Context, chatID, topicID int64) (bool, error)
}

// Surface is the full capability bundle of one chat front-end. Origin names
// it uniquely: prompts it produces carry that origin and triples for its
// threads route back to its sink. Surfaces that cannot show unsolicited
// messages report false from SupportsScheduledNotifications and scheduled
// runs on them stay silent.
type Surface interface {
	PromptSource
	ThreadProvisioner
	ThreadProber
	ResponseSink
	Origin() string
	SupportsScheduledNotifications() bool
}
