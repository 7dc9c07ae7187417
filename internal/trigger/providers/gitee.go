package providers

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/pipewright/internal/trigger"
)

const (
	giteeTokenHeader     = "X-Gitee-Token"
	giteeTimestampHeader = "X-Gitee-Timestamp"
)

type giteeHook struct {
	Ref         string `json:"ref"`
	Action      string `json:"action"`
	PullRequest *struct {
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// NewGitee builds a verifier for Gitee webhooks.
func NewGitee(triggers map[string]any, payload trigger.Payload, provider trigger.Provider) trigger.Verifier {
	return newVerifier(provider, triggers, payload, giteeAuth, parseGitee)
}

func giteeAuth(p trigger.Payload, secret string) bool {
	return validGiteeToken(p.Header.Get(giteeTokenHeader), p.Header.Get(giteeTimestampHeader), secret)
}

func parseGitee(p trigger.Payload) (trigger.Event, bool, error) {
	eventType := p.Header.Get(trigger.EventHeader(trigger.Gitee))
	switch eventType {
	case "Push Hook", "Tag Push Hook", "Merge Request Hook":
	default:
		return trigger.Event{}, false, nil
	}

	var hook giteeHook
	if err := json.Unmarshal(p.Body, &hook); err != nil {
		return trigger.Event{}, false, fmt.Errorf("parse gitee %q event: %w", eventType, err)
	}

	if eventType == "Merge Request Hook" {
		ev := trigger.Event{Kind: trigger.EventPullRequest, Action: normaliseAction(hook.Action)}
		if hook.PullRequest != nil {
			ev.Source = hook.PullRequest.Head.Ref
			ev.Target = hook.PullRequest.Base.Ref
		}
		return ev, true, nil
	}
	return refEvent(hook.Ref), true, nil
}
