package trigger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipewright/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeVerifier struct {
	result bool
	err    error
}

func (f fakeVerifier) Verify(context.Context) (bool, error) { return f.result, f.err }

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    Provider
		wantErr error
	}{
		{name: "github", headers: map[string]string{"X-GitHub-Event": "push"}, want: GitHub},
		{name: "gitee", headers: map[string]string{"X-Gitee-Event": "Push Hook"}, want: Gitee},
		{name: "gitlab", headers: map[string]string{"X-Gitlab-Event": "Push Hook"}, want: GitLab},
		{name: "codeup", headers: map[string]string{"X-Codeup-Event": "Push Hook"}, want: Codeup},
		{name: "github wins over gitlab", headers: map[string]string{"X-Gitlab-Event": "Push Hook", "X-GitHub-Event": "push"}, want: GitHub},
		{name: "lower-case header", headers: map[string]string{"x-gitee-event": "Push Hook"}, want: Gitee},
		{name: "unknown", headers: map[string]string{"X-Bitbucket-Event": "push"}, wantErr: ErrUnknownProvider},
		{name: "no headers", wantErr: ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPayload(tt.headers, nil)
			for range 3 {
				got, err := Classify(p)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAsMapping(t *testing.T) {
	m, ok := AsMapping(map[string]any{"branches": []any{"main"}})
	assert.True(t, ok)
	assert.Len(t, m, 1)

	m, ok = AsMapping(map[string]string{"secret": "s"})
	assert.True(t, ok)
	assert.Equal(t, "s", m["secret"])

	_, ok = AsMapping(map[string]any{})
	assert.True(t, ok, "empty mapping is a mapping")

	for _, v := range []any{nil, []any{"main"}, "main", 42, map[int]any{1: "x"}, (map[string]any)(nil)} {
		_, ok := AsMapping(v)
		assert.False(t, ok, "%#v", v)
	}
}

func TestDispatcherPrecondition(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(GitHub, func(map[string]any, Payload, Provider) Verifier {
		called = true
		return fakeVerifier{result: true}
	})
	d := NewDispatcher(reg)

	// No event header: a classification attempt would fail differently.
	for _, triggers := range []any{nil, []any{"main"}, "main"} {
		ok, err := d.Verify(context.Background(), triggers, NewPayload(nil, nil))
		assert.False(t, ok)
		var pre *PreconditionError
		assert.ErrorAs(t, err, &pre)
	}
	assert.False(t, called)
}

func TestDispatcherVerify(t *testing.T) {
	verifierErr := errors.New("boom")

	tests := []struct {
		name     string
		register map[Provider]Verifier
		headers  map[string]string
		want     bool
		wantErr  error
	}{
		{
			name:     "verifier true",
			register: map[Provider]Verifier{GitHub: fakeVerifier{result: true}},
			headers:  map[string]string{"X-GitHub-Event": "push"},
			want:     true,
		},
		{
			name:     "verifier false",
			register: map[Provider]Verifier{GitLab: fakeVerifier{result: false}},
			headers:  map[string]string{"X-Gitlab-Event": "Push Hook"},
			want:     false,
		},
		{
			name:     "verifier error propagates",
			register: map[Provider]Verifier{Gitee: fakeVerifier{err: verifierErr}},
			headers:  map[string]string{"X-Gitee-Event": "Push Hook"},
			wantErr:  verifierErr,
		},
		{
			name:     "unclassifiable payload",
			register: map[Provider]Verifier{GitHub: fakeVerifier{result: true}},
			wantErr:  ErrUnknownProvider,
		},
		{
			name:     "no verifier registered",
			register: map[Provider]Verifier{GitHub: fakeVerifier{result: true}},
			headers:  map[string]string{"X-Codeup-Event": "Push Hook"},
			wantErr:  ErrNoVerifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			var gotProvider Provider
			var gotTriggers map[string]any
			for p, v := range tt.register {
				v := v
				reg.Register(p, func(triggers map[string]any, _ Payload, provider Provider) Verifier {
					gotProvider = provider
					gotTriggers = triggers
					return v
				})
			}

			triggers := map[string]any{"branches": []any{"main"}}
			ok, err := NewDispatcher(reg).Verify(context.Background(), triggers, NewPayload(tt.headers, []byte(`{}`)))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NotEmpty(t, gotProvider)
			assert.Equal(t, triggers, gotTriggers)
		})
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	f := func(map[string]any, Payload, Provider) Verifier { return fakeVerifier{} }
	reg.Register(GitHub, f)
	assert.Panics(t, func() { reg.Register(GitHub, f) })
	assert.Panics(t, func() { reg.Register(GitLab, nil) })
	assert.Equal(t, []Provider{GitHub}, reg.Registered())
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"ref":"refs/heads/main"}`))
	req.Header.Set("X-GitHub-Event", "push")

	p, err := FromRequest(req, 1024)
	require.NoError(t, err)
	assert.Equal(t, "push", p.Header.Get("X-GitHub-Event"))
	assert.JSONEq(t, `{"ref":"refs/heads/main"}`, string(p.Body))

	req = httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(strings.Repeat("x", 10)))
	_, err = FromRequest(req, 5)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
