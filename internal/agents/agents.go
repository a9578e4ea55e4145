// Package agents implements the chat-driven Agent Dispatcher: three thin
// agents (receipt processing, authorization, chat/general), each a
// capability table over core services, fronted by a single dispatcher
// that classifies inbound chat events via the LLM gateway's small model
// and routes them to a function call, a cross-agent forward, or a plain
// chat reply.
package agents

import (
	"errors"

	"github.com/google/uuid"
)

// Action is the fixed outcome vocabulary the intent classifier can
// produce for one inbound event.
type Action string

const (
	ActionFunctionCall Action = "function_call"
	ActionFreeChat      Action = "free_chat"
	ActionCrossAgent    Action = "cross_agent"
)

// AgentName identifies one of the three fixed agents.
type AgentName string

const (
	AgentReceipt AgentName = "receipt_processing"
	AgentAuth    AgentName = "authorization"
	AgentChat    AgentName = "chat"
)

// Intent is the structured decision the small model returns for one
// inbound event.
type Intent struct {
	Action     Action
	Function   string
	Arguments  map[string]any
	AckMessage string

	// TargetAgent is populated only when Action is cross_agent.
	TargetAgent AgentName
}

// InboundEvent is one chat message routed to an agent. ChannelKey is the
// synthetic `type:scope_id` key the Messaging Substrate addresses
// channels by, not a uuid.
type InboundEvent struct {
	EventID    uuid.UUID
	UserID     uuid.UUID
	ChannelKey string
	Agent      AgentName
	Text       string
}

// DispatchResult is what the dispatcher posts back to the channel.
type DispatchResult struct {
	Text        string
	Suppressed  bool // a cooldown hit or a repeated cross-agent forward
	Forwarded   bool
	FunctionRan string
}

var (
	ErrUnknownAgent    = errors.New("agents: unknown agent")
	ErrUnknownFunction = errors.New("agents: unknown function")
	ErrLoopGuard       = errors.New("agents: cross-agent forward already happened for this event")
)
