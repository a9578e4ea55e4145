package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldledger/expensecore/internal/identity"
)

// FunctionHandler executes one capability-table entry and returns the
// text to report back to the channel.
type FunctionHandler func(ctx context.Context, user identity.User, args map[string]any) (string, error)

// Agent is a thin adapter: a persona plus a capability table. Agents never
// reach into storage directly; every handler is a closure over an
// already-capability-gated service method.
type Agent struct {
	Name      AgentName
	Persona   string
	Functions map[string]FunctionHandler
}

// IntentClassifier turns one inbound event, plus recent channel context,
// into a structured Intent. The production implementation (GatewayClassifier)
// calls the LLM gateway's small model; tests substitute a fake.
type IntentClassifier interface {
	Classify(ctx context.Context, systemPrompt, userPrompt string) (Intent, error)
}

// HistoryLoader supplies recent channel messages for classification
// context. External collaborator: realized by the Messaging Substrate.
type HistoryLoader interface {
	RecentMessages(ctx context.Context, channelKey string, n int) ([]string, error)
}

// MessagePoster posts the dispatcher's result back to the channel.
// External collaborator: realized by the Messaging Substrate.
type MessagePoster interface {
	Post(ctx context.Context, channelKey string, agent AgentName, text string) error
}

// Dispatcher is the sole entry point for chat-driven actions.
type Dispatcher struct {
	agents     map[AgentName]*Agent
	classifier IntentClassifier
	history    HistoryLoader
	poster     MessagePoster
	cooldown   *Cooldown
	historyN   int
}

// New constructs a Dispatcher. history may be nil, in which case no prior
// context is loaded before classification.
func New(agentList []*Agent, classifier IntentClassifier, history HistoryLoader, poster MessagePoster, cooldown *Cooldown, historyN int) *Dispatcher {
	byName := make(map[AgentName]*Agent, len(agentList))
	for _, a := range agentList {
		byName[a.Name] = a
	}

	return &Dispatcher{agents: byName, classifier: classifier, history: history, poster: poster, cooldown: cooldown, historyN: historyN}
}

// Handle runs the full dispatch pipeline for one inbound event: cooldown
// check, classification, execution, and posting the result. Returns
// without posting when the cooldown is active.
func (d *Dispatcher) Handle(ctx context.Context, user identity.User, event InboundEvent) (DispatchResult, error) {
	return d.handle(ctx, user, event, 1)
}

// handle is Handle's recursive core; hopsRemaining bounds cross-agent
// forwarding to at most one hop per event, the loop guard the dispatcher
// spec calls for.
func (d *Dispatcher) handle(ctx context.Context, user identity.User, event InboundEvent, hopsRemaining int) (DispatchResult, error) {
	agent, ok := d.agents[event.Agent]
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, event.Agent)
	}

	if d.cooldown.Check(event.UserID, event.ChannelKey, event.Agent, time.Now()) {
		return DispatchResult{Suppressed: true}, nil
	}

	intent, err := d.classify(ctx, agent, event)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("classifying event: %w", err)
	}

	switch intent.Action {
	case ActionFunctionCall:
		return d.runFunction(ctx, agent, event, user, intent)

	case ActionCrossAgent:
		if hopsRemaining <= 0 {
			return DispatchResult{Suppressed: true}, ErrLoopGuard
		}

		forwarded := event
		forwarded.Agent = intent.TargetAgent

		result, err := d.handle(ctx, user, forwarded, hopsRemaining-1)
		result.Forwarded = true

		return result, err

	default: // ActionFreeChat, and any unrecognized action falls back to a plain reply
		text := agent.Persona + intent.AckMessage

		if err := d.poster.Post(ctx, event.ChannelKey, event.Agent, text); err != nil {
			return DispatchResult{}, fmt.Errorf("posting reply: %w", err)
		}

		return DispatchResult{Text: text}, nil
	}
}

func (d *Dispatcher) classify(ctx context.Context, agent *Agent, event InboundEvent) (Intent, error) {
	systemPrompt := agent.Persona + " Decide whether this message is a function call, a cross-agent " +
		"handoff, or ordinary chat. Respond as the dispatcher contract requires."

	userPrompt := event.Text

	if d.history != nil {
		recent, err := d.history.RecentMessages(ctx, event.ChannelKey, d.historyN)
		if err == nil && len(recent) > 0 {
			userPrompt = joinLines(recent) + "\n---\n" + event.Text
		}
	}

	return d.classifier.Classify(ctx, systemPrompt, userPrompt)
}

func (d *Dispatcher) runFunction(ctx context.Context, agent *Agent, event InboundEvent, user identity.User, intent Intent) (DispatchResult, error) {
	handler, ok := agent.Functions[intent.Function]
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s/%s", ErrUnknownFunction, agent.Name, intent.Function)
	}

	result, err := handler(ctx, user, intent.Arguments)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("running %s: %w", intent.Function, err)
	}

	text := result
	if intent.AckMessage != "" {
		text = intent.AckMessage + " " + result
	}

	if err := d.poster.Post(ctx, event.ChannelKey, event.Agent, text); err != nil {
		return DispatchResult{}, fmt.Errorf("posting function result: %w", err)
	}

	return DispatchResult{Text: text, FunctionRan: intent.Function}, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}

		out += l
	}

	return out
}
