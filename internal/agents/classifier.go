package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldledger/expensecore/internal/llmgateway"
)

// GatewayClassifier implements IntentClassifier against the LLM gateway's
// small tier, the only tier the dispatcher ever calls — vision and large-
// model work stay inside internal/ocr and internal/reconciler.
type GatewayClassifier struct {
	gateway *llmgateway.Gateway
}

// NewGatewayClassifier constructs a GatewayClassifier.
func NewGatewayClassifier(gateway *llmgateway.Gateway) *GatewayClassifier {
	return &GatewayClassifier{gateway: gateway}
}

type intentSchema struct {
	Action      string         `json:"action"`
	Function    string         `json:"function"`
	Arguments   map[string]any `json:"arguments"`
	AckMessage  string         `json:"ack_message"`
	TargetAgent string         `json:"target_agent"`
}

// Classify implements IntentClassifier.
func (g *GatewayClassifier) Classify(ctx context.Context, systemPrompt, userPrompt string) (Intent, error) {
	system := systemPrompt + " Return ONLY JSON matching: " +
		`{"action":"function_call"|"free_chat"|"cross_agent","function":string,` +
		`"arguments":object,"ack_message":string,"target_agent":string}. ` +
		`Omit function/arguments/target_agent when they do not apply.`

	result, err := g.gateway.ClassifySmall(ctx, system, userPrompt)
	if err != nil {
		return Intent{}, fmt.Errorf("classifying intent: %w", err)
	}

	var parsed intentSchema
	if err := json.Unmarshal(result.Value, &parsed); err != nil {
		return Intent{}, fmt.Errorf("parsing intent response: %w", err)
	}

	return Intent{
		Action:      Action(parsed.Action),
		Function:    parsed.Function,
		Arguments:   parsed.Arguments,
		AckMessage:  parsed.AckMessage,
		TargetAgent: AgentName(parsed.TargetAgent),
	}, nil
}
