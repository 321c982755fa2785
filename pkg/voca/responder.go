package voca

import (
	"context"
	"strings"
)

// RuleResponder answers caller utterances from a configured rule table:
// first rule whose keyword appears in the transcript wins, otherwise the
// per-language fallback.
type RuleResponder struct {
	rules     []ResponderRule
	fallbacks map[string]string
}

func NewRuleResponder(cfg ResponderConfig) *RuleResponder {
	fallbacks := cfg.Fallbacks
	if fallbacks == nil {
		fallbacks = map[string]string{}
	}
	return &RuleResponder{rules: cfg.Rules, fallbacks: fallbacks}
}

func (r *RuleResponder) Respond(ctx context.Context, callID, language, transcript string) (string, error) {
	lower := strings.ToLower(transcript)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if kw == "" || !strings.Contains(lower, strings.ToLower(kw)) {
				continue
			}
			if reply, ok := rule.Replies[language]; ok && reply != "" {
				return reply, nil
			}
			if reply, ok := rule.Replies["en"]; ok && reply != "" {
				return reply, nil
			}
		}
	}
	if reply, ok := r.fallbacks[language]; ok && reply != "" {
		return reply, nil
	}
	if reply, ok := r.fallbacks["en"]; ok && reply != "" {
		return reply, nil
	}
	return "I heard you say: " + transcript, nil
}
