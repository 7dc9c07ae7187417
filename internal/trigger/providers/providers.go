// Package providers holds the verifiers for the supported source-control
// hosts. Importing it registers them with trigger.DefaultRegistry.
package providers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/trigger"
)

func init() {
	RegisterAll(trigger.DefaultRegistry)
}

// RegisterAll registers every provider verifier with reg.
func RegisterAll(reg *trigger.Registry) {
	reg.Register(trigger.GitHub, NewGitHub)
	reg.Register(trigger.GitLab, NewGitLab)
	reg.Register(trigger.Gitee, NewGitee)
	reg.Register(trigger.Codeup, NewCodeup)
}

// authenticator checks the payload against the configured shared secret.
type authenticator func(p trigger.Payload, secret string) bool

// parser normalises a payload. supported is false for event types no rule
// can select.
type parser func(p trigger.Payload) (ev trigger.Event, supported bool, err error)

type verifier struct {
	provider trigger.Provider
	triggers map[string]any
	payload  trigger.Payload
	auth     authenticator
	parse    parser
	logger   *slog.Logger
}

func newVerifier(provider trigger.Provider, triggers map[string]any, payload trigger.Payload, auth authenticator, parse parser) *verifier {
	return &verifier{
		provider: provider,
		triggers: triggers,
		payload:  payload,
		auth:     auth,
		parse:    parse,
		logger:   log.WithComponent("trigger").With("provider", provider),
	}
}

// Verify authenticates the payload, normalises it and matches the rules.
func (v *verifier) Verify(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rules, err := trigger.DecodeRules(v.triggers, v.provider)
	if err != nil {
		return false, err
	}
	if rules == nil {
		v.logger.Debug("no trigger rules for provider")
		return false, nil
	}

	if rules.Secret != "" && !v.auth(v.payload, rules.Secret) {
		v.logger.Warn("webhook verification failed")
		return false, nil
	}

	ev, supported, err := v.parse(v.payload)
	if err != nil {
		return false, err
	}
	if !supported {
		v.logger.Debug("unsupported event type", "event", v.payload.Header.Get(trigger.EventHeader(v.provider)))
		return false, nil
	}

	matched := rules.Match(ev)
	v.logger.Debug("trigger rules evaluated", "kind", ev.Kind, "branch", ev.Branch, "tag", ev.Tag, "action", ev.Action, "matched", matched)
	return matched, nil
}

// refEvent turns a git ref into a push or tag event.
func refEvent(ref string) trigger.Event {
	if tag, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		return trigger.Event{Kind: trigger.EventTag, Tag: tag}
	}
	return trigger.Event{Kind: trigger.EventPush, Branch: strings.TrimPrefix(ref, "refs/heads/")}
}

// mergeRequestActions maps GitLab-style merge request actions onto the
// pull request action vocabulary used by trigger rules.
var mergeRequestActions = map[string]string{
	"open":   "opened",
	"reopen": "reopened",
	"update": "synchronize",
	"close":  "closed",
	"merge":  "merged",
}

func normaliseAction(action string) string {
	if a, ok := mergeRequestActions[action]; ok {
		return a
	}
	return action
}
