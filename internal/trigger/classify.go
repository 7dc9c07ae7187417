package trigger

import "errors"

// Provider identifies the source-control host that sent a payload.
type Provider string

const (
	GitHub Provider = "github"
	Gitee  Provider = "gitee"
	GitLab Provider = "gitlab"
	Codeup Provider = "codeup"
)

// ErrUnknownProvider is returned when no event header identifies the payload.
var ErrUnknownProvider = errors.New("unknown trigger provider")

// eventHeaders is checked in order; the first header present wins.
var eventHeaders = []struct {
	header   string
	provider Provider
}{
	{"X-GitHub-Event", GitHub},
	{"X-Gitee-Event", Gitee},
	{"X-Gitlab-Event", GitLab},
	{"X-Codeup-Event", Codeup},
}

// Providers returns the known provider identifiers in classification order.
func Providers() []Provider {
	out := make([]Provider, 0, len(eventHeaders))
	for _, eh := range eventHeaders {
		out = append(out, eh.provider)
	}
	return out
}

// EventHeader returns the header that carries the event type for p.
func EventHeader(p Provider) string {
	for _, eh := range eventHeaders {
		if eh.provider == p {
			return eh.header
		}
	}
	return ""
}

// Classify identifies the provider from the payload headers only.
func Classify(payload Payload) (Provider, error) {
	for _, eh := range eventHeaders {
		if payload.Header.Get(eh.header) != "" {
			return eh.provider, nil
		}
	}
	return "", ErrUnknownProvider
}
