package providers

import (
	"fmt"

	"github.com/google/go-github/github"

	"github.com/mattjoyce/pipewright/internal/trigger"
)

const githubSignatureHeader = "X-Hub-Signature-256"

// NewGitHub builds a verifier for GitHub webhooks.
func NewGitHub(triggers map[string]any, payload trigger.Payload, provider trigger.Provider) trigger.Verifier {
	return newVerifier(provider, triggers, payload, githubAuth, parseGitHub)
}

func githubAuth(p trigger.Payload, secret string) bool {
	return validHubSignature(p.Body, p.Header.Get(githubSignatureHeader), secret)
}

func parseGitHub(p trigger.Payload) (trigger.Event, bool, error) {
	eventType := p.Header.Get(trigger.EventHeader(trigger.GitHub))
	switch eventType {
	case "push", "pull_request":
	default:
		return trigger.Event{}, false, nil
	}

	event, err := github.ParseWebHook(eventType, p.Body)
	if err != nil {
		return trigger.Event{}, false, fmt.Errorf("parse github %s event: %w", eventType, err)
	}

	switch e := event.(type) {
	case *github.PushEvent:
		return refEvent(e.GetRef()), true, nil
	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		action := e.GetAction()
		if action == "closed" && pr.GetMerged() {
			action = "merged"
		}
		return trigger.Event{
			Kind:   trigger.EventPullRequest,
			Action: action,
			Source: pr.GetHead().GetRef(),
			Target: pr.GetBase().GetRef(),
		}, true, nil
	}
	return trigger.Event{}, false, nil
}
