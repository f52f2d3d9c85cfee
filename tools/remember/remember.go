// Package remember writes to a user's long-term memory: discrete facts with
// relevance embeddings, and the free-form personality profile.
package remember

import (
	"context"
	"encoding/json"
	"fmt"

	switchboard "github.com/Dethon/switchboard"
)

// Tool saves facts and profile text for one user. Agents recall facts
// automatically at the start of a turn; this tool is the write side.
type Tool struct {
	store  switchboard.MemoryStore
	embed  switchboard.EmbeddingProvider
	userID string
}

// New creates a remember tool bound to the given user.
func New(store switchboard.MemoryStore, embed switchboard.EmbeddingProvider, userID string) *Tool {
	return &Tool{store: store, embed: embed, userID: userID}
}

func (t *Tool) Definitions() []switchboard.ToolDefinition {
	return []switchboard.ToolDefinition{
		{
			Name:        "remember",
			Description: "Save a fact about the user to long-term memory. Use when the user states a lasting preference, detail, or instruction worth recalling later.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"fact":{"type":"string","description":"The fact to remember, phrased as a standalone statement"},
				"category":{"type":"string","description":"Optional grouping such as preference, biography, project"},
				"confidence":{"type":"number","description":"0.0-1.0; how certain the fact is (default 1.0)"}
			},"required":["fact"]}`),
		},
		{
			Name:        "update_profile",
			Description: "Replace the user's personality profile: a short free-form description of who they are and how they like to be addressed.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"profile":{"type":"string","description":"The new profile text"}
			},"required":["profile"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (switchboard.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "remember":
		result, err = t.saveFact(ctx, args)
	case "update_profile":
		result, err = t.saveProfile(ctx, args)
	default:
		return switchboard.ToolResult{Error: "unknown memory tool: " + name}, nil
	}

	if err != nil {
		return switchboard.ToolResult{Error: err.Error()}, nil
	}
	return switchboard.ToolResult{Content: result}, nil
}

func (t *Tool) saveFact(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Fact       string  `json:"fact"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Fact == "" {
		return "", fmt.Errorf("empty fact")
	}
	if p.Confidence <= 0 || p.Confidence > 1 {
		p.Confidence = 1.0
	}

	vecs, err := t.embed.Embed(ctx, []string{p.Fact})
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}
	var embedding []float32
	if len(vecs) > 0 {
		embedding = vecs[0]
	}

	now := switchboard.NowUnix()
	fact := switchboard.Fact{
		ID:         switchboard.NewID(),
		UserID:     t.userID,
		Fact:       p.Fact,
		Category:   p.Category,
		Confidence: p.Confidence,
		Embedding:  embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.store.UpsertFact(ctx, fact); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}

	return fmt.Sprintf("Remembered: %s", p.Fact), nil
}

func (t *Tool) saveProfile(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Profile string `json:"profile"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Profile == "" {
		return "", fmt.Errorf("empty profile")
	}
	if err := t.store.SetProfile(ctx, t.userID, p.Profile); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	return "Profile updated.", nil
}
