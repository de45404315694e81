package agentloop

import (
	"strings"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

// Strategy is how the next step of a tool conversation is sent.
type Strategy string

const (
	// StrategyStateful sends only the new messages plus the provider's
	// continuation id.
	StrategyStateful Strategy = "stateful"
	// StrategyFullReplay resends the whole history without an id.
	StrategyFullReplay Strategy = "full_replay"
)

// DefaultFullReplayEndpoints lists endpoints that do not keep conversation
// state server-side.
func DefaultFullReplayEndpoints() []string {
	return []string{
		"openrouter.ai",
		"api.anthropic.com",
		"api.groq.com",
		"api.together.xyz",
		"api.deepseek.com",
		"api.mistral.ai",
		"generativelanguage.googleapis.com",
		"api.x.ai",
		"localhost:11434",
		"ollama",
	}
}

// DefaultContinuationDenylist lists model or endpoint fragments for which
// stateful continuation is known to misbehave.
func DefaultContinuationDenylist() []string {
	return []string{"codex"}
}

// ContinuationPolicy decides between stateful continuation and full replay.
type ContinuationPolicy struct {
	// Mode is an explicit "stateful" or "full_replay"; empty or "auto" decides
	// from ProviderType and Endpoint.
	Mode                string
	ProviderType        string
	Endpoint            string
	FullReplayEndpoints []string
	Denylist            []string
}

// Strategy picks the strategy for model. An explicit mode or a provider type
// that implies one wins, then the endpoint table; the denylist overrides
// both.
func (p ContinuationPolicy) Strategy(model string) Strategy {
	s := p.base()
	if s == StrategyStateful && p.denied(model) {
		return StrategyFullReplay
	}
	return s
}

func (p ContinuationPolicy) base() Strategy {
	switch p.Mode {
	case string(StrategyStateful):
		return StrategyStateful
	case string(StrategyFullReplay):
		return StrategyFullReplay
	}
	if p.ProviderType != "" {
		if stateful, known := unifiedllm.StatefulByDefault(p.ProviderType); known {
			if stateful {
				return StrategyStateful
			}
			return StrategyFullReplay
		}
	}
	endpoint := strings.ToLower(p.Endpoint)
	for _, frag := range p.FullReplayEndpoints {
		if frag != "" && strings.Contains(endpoint, strings.ToLower(frag)) {
			return StrategyFullReplay
		}
	}
	return StrategyStateful
}

func (p ContinuationPolicy) denied(model string) bool {
	model = strings.ToLower(model)
	endpoint := strings.ToLower(p.Endpoint)
	for _, frag := range p.Denylist {
		frag = strings.ToLower(frag)
		if frag == "" {
			continue
		}
		if strings.Contains(model, frag) || strings.Contains(endpoint, frag) {
			return true
		}
	}
	return false
}

// nextStep describes the request that follows a tool round.
type nextStep struct {
	strategy       Strategy
	outgoing       []unifiedllm.Message
	continuationID string
}

// planNext builds the next outgoing messages. A stateful strategy without a
// continuation id falls back to full replay for this step only.
func planNext(s Strategy, continuationID string, toolResults []unifiedllm.Message) nextStep {
	if s == StrategyStateful && continuationID != "" {
		return nextStep{strategy: StrategyStateful, outgoing: toolResults, continuationID: continuationID}
	}
	return nextStep{strategy: StrategyFullReplay}
}

// requestMessages returns what the next request carries: the delta and id
// when continuing statefully, otherwise the whole history.
func requestMessages(s Strategy, ac *AgentContext) ([]unifiedllm.Message, string) {
	if s == StrategyStateful && ac.ContinuationID != "" && ac.Outgoing != nil {
		return ac.Outgoing, ac.ContinuationID
	}
	return ac.Messages, ""
}
