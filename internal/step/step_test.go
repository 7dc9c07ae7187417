package step

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunIsShallowCopy(t *testing.T) {
	orig := Step{
		Name:   "deploy",
		Plugin: "./plugins/deploy",
		Type:   KindRun,
		Inputs: map[string]any{"region": "cn-hangzhou"},
	}

	post := orig.PostRun()

	assert.Equal(t, KindPostRun, post.Type)
	assert.Equal(t, KindRun, orig.Type, "original must keep its kind")
	assert.Equal(t, orig.Plugin, post.Plugin)

	post.Inputs["region"] = "cn-shanghai"
	assert.Equal(t, "cn-shanghai", orig.Inputs["region"], "maps are shared by a shallow copy")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{name: "run", step: Step{Run: "echo hi"}},
		{name: "script", step: Step{Script: "await $`ls`"}},
		{name: "plugin", step: Step{Plugin: "@scope/checkout"}},
		{name: "nothing", step: Step{Name: "empty"}, wantErr: true},
		{name: "whitespace only", step: Step{Run: "   "}, wantErr: true},
		{name: "two fields", step: Step{Run: "echo", Plugin: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "build", Step{Name: "build", Run: "make"}.DisplayName())
	assert.Equal(t, "s1", Step{ID: "s1", Run: "make"}.DisplayName())
	assert.Equal(t, "./p", Step{Plugin: "./p"}.DisplayName())
	assert.Equal(t, "make all", Step{Run: "make all\nmake test"}.DisplayName())
	assert.Equal(t, "script", Step{Script: "x"}.DisplayName())
}

func TestLogPath(t *testing.T) {
	assert.Equal(t, "step_7.log", Step{StepCount: 7}.LogPath())
}

func TestSequenceUniqueUnderConcurrency(t *testing.T) {
	var seq Sequence
	const workers, per = 8, 250

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*per)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				v := seq.Next()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
	assert.Equal(t, uint64(workers*per+1), seq.Next())
}
