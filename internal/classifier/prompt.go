package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/providers"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

const systemPrompt = `You classify customer conversations into exactly one intention from a catalog.
Reply with a single JSON object and nothing else:
{"intention_id": "<id from the catalog>", "code": "<code from the catalog>", "confidence": <number between 0 and 1>}`

type aiAnswer struct {
	IntentionID string  `json:"intention_id"`
	Code        string  `json:"code"`
	Confidence  float64 `json:"confidence"`
}

func (c *Classifier) askAI(ctx context.Context, history []store.MessageData, intentions []store.IntentionData) (*Classification, error) {
	resp, err := c.deps.AI.Chat(ctx, providers.ChatRequest{
		Model: c.cfg.Model,
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(history, intentions)},
		},
		Temperature: providers.Float(0),
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	return resolveAnswer(resp.Content, intentions)
}

func buildPrompt(history []store.MessageData, intentions []store.IntentionData) string {
	var b strings.Builder
	b.WriteString("Catalog:\n")
	for _, in := range intentions {
		fmt.Fprintf(&b, "- id=%s code=%s name=%q", in.ID, in.Code, in.Name)
		if in.Description != "" {
			fmt.Fprintf(&b, " description=%q", in.Description)
		}
		if in.Instructions != "" {
			fmt.Fprintf(&b, " instructions=%q", in.Instructions)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nConversation:\n")
	for _, m := range history {
		role := "customer"
		if m.Direction == protocol.DirectionOutbound {
			role = "agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	return b.String()
}

// resolveAnswer parses the model output and maps it to a catalog entry by id, then by code.
func resolveAnswer(content string, intentions []store.IntentionData) (*Classification, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no json object in classification response")
	}
	var ans aiAnswer
	if err := json.Unmarshal([]byte(content[start:end+1]), &ans); err != nil {
		return nil, fmt.Errorf("decode classification response: %w", err)
	}

	var match *store.IntentionData
	if id, err := uuid.Parse(ans.IntentionID); err == nil {
		for i := range intentions {
			if intentions[i].ID == id {
				match = &intentions[i]
				break
			}
		}
	}
	if match == nil && ans.Code != "" {
		for i := range intentions {
			if strings.EqualFold(intentions[i].Code, ans.Code) {
				match = &intentions[i]
				break
			}
		}
	}
	if match == nil {
		return nil, fmt.Errorf("classification response names unknown intention (id=%q code=%q)", ans.IntentionID, ans.Code)
	}

	return &Classification{
		IntentionID: match.ID,
		Code:        match.Code,
		Confidence:  clamp(ans.Confidence, 0, 1),
		Source:      SourceAI,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
