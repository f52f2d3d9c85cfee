package switchboard

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

const (
	threadNameGlyphs = 32
	provisionMemory  = 4096
)

type provisionKey struct {
	origin    string
	chatID    int64
	messageID int64
}

// TopicProvisioner assigns threads to prompts that arrive without one by
// allocating a topic on the originating surface. Provisioning is idempotent
// per (origin, chat, inbound message id): a redelivered prompt lands on the
// thread created for it the first time instead of minting another.
type TopicProvisioner struct {
	logger *slog.Logger

	mu       sync.Mutex
	surfaces map[string]ThreadProvisioner
	seen     map[provisionKey]int64
	prev     map[provisionKey]int64
}

type ProvisionerOption func(*TopicProvisioner)

func WithProvisionerLogger(l *slog.Logger) ProvisionerOption {
	return func(t *TopicProvisioner) { t.logger = l }
}

func NewTopicProvisioner(opts ...ProvisionerOption) *TopicProvisioner {
	t := &TopicProvisioner{
		logger:   nopLogger,
		surfaces: make(map[string]ThreadProvisioner),
		seen:     make(map[provisionKey]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register binds a surface's provisioner to its origin.
func (t *TopicProvisioner) Register(origin string, p ThreadProvisioner) {
	t.mu.Lock()
	t.surfaces[origin] = p
	t.mu.Unlock()
}

// Provision resolves the prompt's thread, allocating one on its surface
// when absent. ok is false when the prompt cannot be placed; ingress drops
// it and keeps going.
func (t *TopicProvisioner) Provision(ctx context.Context, p Prompt) (Prompt, bool) {
	if p.Key().Provisioned() {
		return p, true
	}
	pk := provisionKey{origin: p.Origin, chatID: p.ChatID, messageID: p.MessageID}
	if id, ok := t.recall(pk); ok {
		p.TopicID = id
		return p, true
	}

	t.mu.Lock()
	s := t.surfaces[p.Origin]
	t.mu.Unlock()
	if s == nil {
		t.logger.Warn("no provisioner for origin, dropping prompt", "origin", p.Origin)
		return Prompt{}, false
	}

	name := ThreadName(p.Body)
	id, err := s.ProvisionThread(ctx, p.ChatID, name, p.Body)
	if err != nil {
		t.logger.Warn("thread provisioning failed, dropping prompt",
			"origin", p.Origin, "chat", p.ChatID, "error", err)
		return Prompt{}, false
	}
	t.remember(pk, id)
	t.logger.Info("thread provisioned",
		"origin", p.Origin, "chat", p.ChatID, "topic", id, "name", name)

	p.TopicID = id
	return p, true
}

func (t *TopicProvisioner) recall(pk provisionKey) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.seen[pk]; ok {
		return id, true
	}
	id, ok := t.prev[pk]
	return id, ok
}

// remember keeps two generations of provision records. When the current
// generation fills up it becomes the previous one, so the idempotence
// window stays bounded without per-entry bookkeeping.
func (t *TopicProvisioner) remember(pk provisionKey, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.seen) >= provisionMemory {
		t.prev = t.seen
		t.seen = make(map[provisionKey]int64, provisionMemory)
	}
	t.seen[pk] = id
}

// ThreadName derives a topic title from a prompt body: whitespace collapsed
// to single spaces, cut after threadNameGlyphs glyphs. Glyphs are counted
// on normalization boundaries so combining marks never split from their
// base character.
func ThreadName(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if s == "" {
		return "New thread"
	}
	s = norm.NFC.String(s)

	var it norm.Iter
	it.InitString(norm.NFC, s)
	end, glyphs := 0, 0
	for !it.Done() && glyphs < threadNameGlyphs {
		end += len(it.Next())
		glyphs++
	}
	return s[:end]
}
