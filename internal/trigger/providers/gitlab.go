package providers

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/pipewright/internal/trigger"
)

const (
	gitlabTokenHeader = "X-Gitlab-Token"
	codeupTokenHeader = "X-Codeup-Token"
)

// gitlabHook is the subset of GitLab (and Codeup) hook bodies we read.
type gitlabHook struct {
	ObjectKind       string `json:"object_kind"`
	Ref              string `json:"ref"`
	ObjectAttributes struct {
		Action       string `json:"action"`
		State        string `json:"state"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"object_attributes"`
}

// NewGitLab builds a verifier for GitLab webhooks.
func NewGitLab(triggers map[string]any, payload trigger.Payload, provider trigger.Provider) trigger.Verifier {
	return newVerifier(provider, triggers, payload, tokenAuth(gitlabTokenHeader), gitlabParser(trigger.GitLab))
}

// NewCodeup builds a verifier for Codeup webhooks, which use GitLab-shaped bodies.
func NewCodeup(triggers map[string]any, payload trigger.Payload, provider trigger.Provider) trigger.Verifier {
	return newVerifier(provider, triggers, payload, tokenAuth(codeupTokenHeader), gitlabParser(trigger.Codeup))
}

func tokenAuth(header string) authenticator {
	return func(p trigger.Payload, secret string) bool {
		return validToken(p.Header.Get(header), secret)
	}
}

func gitlabParser(provider trigger.Provider) parser {
	return func(p trigger.Payload) (trigger.Event, bool, error) {
		eventType := p.Header.Get(trigger.EventHeader(provider))
		switch eventType {
		case "Push Hook", "Tag Push Hook", "Merge Request Hook":
		default:
			return trigger.Event{}, false, nil
		}

		var hook gitlabHook
		if err := json.Unmarshal(p.Body, &hook); err != nil {
			return trigger.Event{}, false, fmt.Errorf("parse %s %q event: %w", provider, eventType, err)
		}

		if eventType == "Merge Request Hook" {
			attrs := hook.ObjectAttributes
			action := attrs.Action
			if action == "" {
				action = attrs.State
			}
			return trigger.Event{
				Kind:   trigger.EventPullRequest,
				Action: normaliseAction(action),
				Source: attrs.SourceBranch,
				Target: attrs.TargetBranch,
			}, true, nil
		}
		return refEvent(hook.Ref), true, nil
	}
}
