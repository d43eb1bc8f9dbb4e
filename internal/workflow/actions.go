package workflow

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// Built-in action names.
const (
	ActionReply   = "reply"
	ActionCollect = "collect"
	ActionNotify  = "notify"
)

// Replier sends a text reply into a conversation's chat.
type Replier interface {
	Reply(ctx context.Context, conv *store.ConversationData, text string) error
}

// Actions are the side-effect sinks built-in actions use.
type Actions struct {
	Replier Replier
	Events  bus.EventPublisher
}

func (a Actions) build(stepID string, def ActionDef) (StepFunc, bool, error) {
	switch def.Action {
	case ActionReply:
		run, err := a.reply(def.Params)
		return run, false, err
	case ActionCollect:
		run, err := a.collect(def.Params)
		return run, true, err
	case ActionNotify:
		return a.notify(stepID, def.Params), false, nil
	default:
		return nil, false, fmt.Errorf("unknown action %q", def.Action)
	}
}

// reply renders params["text"] as a text/template over the collected data
// (plus "message", the inbound text) and sends it.
func (a Actions) reply(params map[string]string) (StepFunc, error) {
	text := params["text"]
	if text == "" {
		return nil, fmt.Errorf("reply requires params.text")
	}
	tmpl, err := template.New("reply").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse reply template: %w", err)
	}
	return func(ctx context.Context, sc *StepContext) (map[string]any, error) {
		if a.Replier == nil {
			return nil, fmt.Errorf("no replier configured")
		}
		body, err := render(tmpl, sc)
		if err != nil {
			return nil, err
		}
		return nil, a.Replier.Reply(ctx, sc.Conversation, body)
	}, nil
}

// collect stores the inbound message text under params["key"]. With
// params["pattern"] the text must match; otherwise params["invalid"] is sent
// back (when set) and the step keeps waiting.
func (a Actions) collect(params map[string]string) (StepFunc, error) {
	key := params["key"]
	if key == "" {
		return nil, fmt.Errorf("collect requires params.key")
	}
	var pattern *regexp.Regexp
	if p := params["pattern"]; p != "" {
		var err error
		if pattern, err = regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("collect pattern: %w", err)
		}
	}
	invalid := params["invalid"]

	return func(ctx context.Context, sc *StepContext) (map[string]any, error) {
		if sc.Message == nil {
			return nil, ErrAwaitInput
		}
		text := strings.TrimSpace(sc.Message.Content)
		if text == "" {
			return nil, ErrAwaitInput
		}
		if pattern != nil && !pattern.MatchString(text) {
			if invalid != "" && a.Replier != nil {
				if err := a.Replier.Reply(ctx, sc.Conversation, invalid); err != nil {
					return nil, err
				}
			}
			return nil, ErrAwaitInput
		}
		return map[string]any{key: text}, nil
	}, nil
}

// notify emits a workflow.step event carrying the params.
func (a Actions) notify(stepID string, params map[string]string) StepFunc {
	return func(_ context.Context, sc *StepContext) (map[string]any, error) {
		if a.Events == nil {
			return nil, nil
		}
		conv := sc.Conversation
		a.Events.Broadcast(bus.NewEvent(protocol.EventWorkflowStep, conv.ChannelID, conv.CompanyID, map[string]any{
			"conversationId": conv.ID,
			"step":           stepID,
			"notify":         params,
		}))
		return nil, nil
	}
}

func render(tmpl *template.Template, sc *StepContext) (string, error) {
	data := map[string]any{}
	if sc.State != nil {
		for k, v := range sc.State.CollectedData {
			data[k] = v
		}
	}
	if sc.Message != nil {
		data["message"] = sc.Message.Content
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render reply: %w", err)
	}
	// missing map keys render as "<no value>"
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
