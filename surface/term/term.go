// Package term is a line-oriented terminal surface, mainly for local
// development and sandboxing: prompts are stdin lines, responses stream to
// stdout as they are generated. One terminal session is one chat; /new and
// /topic switch between locally numbered threads.
package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Dethon/switchboard"
)

const originName = "term"

var nopLogger = slog.New(slog.DiscardHandler)

// Surface reads prompts line by line and renders the stream inline.
type Surface struct {
	in        io.Reader
	out       io.Writer
	agent     string
	user      string
	chatID    int64
	approvals *switchboard.ApprovalStore
	logger    *slog.Logger

	lastTopic atomic.Int64
	lastMsg   atomic.Int64

	mu           sync.Mutex
	topics       map[int64]string
	current      int64
	approvalKey  switchboard.ThreadKey
	approvalID   string
	midLine      bool
}

var _ switchboard.Surface = (*Surface)(nil)

type Option func(*Surface)

// WithIO replaces stdin/stdout, which is how tests drive the surface.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(s *Surface) {
		s.in = in
		s.out = out
	}
}

// WithApprovals routes /approve and /deny lines to pending tool approvals.
func WithApprovals(a *switchboard.ApprovalStore) Option {
	return func(s *Surface) { s.approvals = a }
}

// WithUser sets the sender id stamped on prompts. Defaults to "local".
func WithUser(name string) Option {
	return func(s *Surface) {
		if name != "" {
			s.user = name
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a terminal surface for one agent.
func New(agent string, opts ...Option) *Surface {
	s := &Surface{
		in:     os.Stdin,
		out:    os.Stdout,
		agent:  agent,
		user:   "local",
		chatID: 1,
		logger: nopLogger,
		topics: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Surface) Origin() string { return originName }

// Scheduled tasks stay silent on a terminal; there is no thread a user
// would come back to.
func (s *Surface) SupportsScheduledNotifications() bool { return false }

// ReadPrompts scans lines until EOF or ctx ends. Slash commands that the
// terminal owns (/new, /topic, /topics, /approve, /deny) are handled here;
// everything else becomes a prompt in the current thread.
func (s *Surface) ReadPrompts(ctx context.Context) <-chan switchboard.Prompt {
	out := make(chan switchboard.Prompt)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(s.in)
		for {
			s.print("> ")
			if !scanner.Scan() {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if s.handleCommand(line) {
				continue
			}
			p := switchboard.Prompt{
				Origin:    originName,
				ChatID:    s.chatID,
				TopicID:   s.currentTopic(),
				AgentID:   s.agent,
				MessageID: s.lastMsg.Add(1),
				SenderID:  s.user,
				Body:      line,
				At:        switchboard.NowUnix(),
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Surface) handleCommand(line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/new":
		s.setCurrent(0)
		s.println("next message opens a new thread")
		return true
	case "/topics":
		s.mu.Lock()
		ids := make([]int64, 0, len(s.topics))
		names := make(map[int64]string, len(s.topics))
		for id, name := range s.topics {
			ids = append(ids, id)
			names[id] = name
		}
		current := s.current
		s.mu.Unlock()
		if len(ids) == 0 {
			s.println("no threads yet")
			return true
		}
		slices.Sort(ids)
		for _, id := range ids {
			marker := " "
			if id == current {
				marker = "*"
			}
			s.println(fmt.Sprintf("%s %d  %s", marker, id, names[id]))
		}
		return true
	case "/topic":
		if len(fields) < 2 {
			s.println("usage: /topic <id>")
			return true
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || !s.knownTopic(id) {
			s.println("no such thread " + fields[1])
			return true
		}
		s.setCurrent(id)
		s.println(fmt.Sprintf("switched to thread %d", id))
		return true
	case "/approve", "/deny":
		if s.approvals == nil {
			return false
		}
		approved := strings.EqualFold(fields[0], "/approve")
		id := ""
		if len(fields) > 1 {
			id = fields[1]
		}
		s.resolveApproval(id, approved)
		return true
	}
	return false
}

func (s *Surface) resolveApproval(id string, approved bool) {
	s.mu.Lock()
	key := s.approvalKey
	if id == "" {
		id = s.approvalID
	}
	s.mu.Unlock()
	if id == "" {
		s.println("nothing awaiting approval")
		return
	}
	if !s.approvals.Resolve(key, id, switchboard.ApprovalDecision{Approved: approved}) {
		s.println("approval " + id + " is no longer pending")
	}
}

// ProvisionThread numbers threads locally and prints the header so the
// terminal shows where the conversation moved.
func (s *Surface) ProvisionThread(ctx context.Context, chatID int64, name, header string) (int64, error) {
	id := s.lastTopic.Add(1)
	s.mu.Lock()
	s.topics[id] = name
	if s.current == 0 {
		s.current = id
	}
	s.mu.Unlock()
	s.println(fmt.Sprintf("— thread %d: %s —", id, name))
	if header != "" {
		s.println(header)
	}
	return id, nil
}

func (s *Surface) ThreadExists(ctx context.Context, chatID, topicID int64) (bool, error) {
	return s.knownTopic(topicID), nil
}

func (s *Surface) BeginTurn(ctx context.Context, key switchboard.ThreadKey) {}

// Emit renders deltas as they stream. The coalesced boundary message only
// terminates the line; its text was already printed incrementally.
func (s *Surface) Emit(ctx context.Context, t switchboard.StreamTriple) error {
	if t.Message != nil {
		s.finalize(t.Message)
	}
	for _, c := range t.Update.Contents {
		switch c.Kind {
		case switchboard.UpdateTextDelta:
			s.write(c.Text)
		case switchboard.UpdateToolCallStart:
			s.println(fmt.Sprintf("· running %s", c.ToolName))
		case switchboard.UpdateApprovalRequest:
			s.rememberApproval(t.Key, c.ApprovalID)
			s.println(fmt.Sprintf("⏸ approval needed for %s %s — /approve or /deny", c.ToolName, c.Args))
		case switchboard.UpdateError:
			s.println("⚠ " + c.Text)
		}
	}
	return nil
}

func (s *Surface) EndTurn(ctx context.Context, key switchboard.ThreadKey) {
	s.breakLine()
}

func (s *Surface) finalize(msg *switchboard.CoalescedMessage) {
	if msg.Role != "assistant" {
		return
	}
	s.breakLine()
	for _, tc := range msg.ToolCalls {
		if tc.Done {
			s.println(fmt.Sprintf("· %s finished", tc.Name))
		}
	}
}

func (s *Surface) rememberApproval(key switchboard.ThreadKey, id string) {
	s.mu.Lock()
	s.approvalKey = key
	s.approvalID = id
	s.mu.Unlock()
}

func (s *Surface) currentTopic() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Surface) setCurrent(id int64) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *Surface) knownTopic(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[id]
	return ok
}

// write appends streamed text without forcing a newline.
func (s *Surface) write(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, text)
	s.midLine = !strings.HasSuffix(text, "\n")
}

// println terminates any in-flight streamed line first so status output
// never glues onto a delta.
func (s *Surface) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.midLine {
		fmt.Fprintln(s.out)
		s.midLine = false
	}
	fmt.Fprintln(s.out, line)
}

func (s *Surface) print(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, text)
	s.midLine = !strings.HasSuffix(text, "\n")
}

func (s *Surface) breakLine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.midLine {
		fmt.Fprintln(s.out)
		s.midLine = false
	}
}
