// Package doctor validates pipewright configuration and pipelines without
// running anything.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/pipewright/internal/config"
	"github.com/mattjoyce/pipewright/internal/pipeline/dsl"
	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/storage"
	"github.com/mattjoyce/pipewright/internal/trigger"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Installer reports whether a plugin still has to be installed.
type Installer interface {
	NeedsInstall(ref string) bool
}

// Loader loads an available plugin.
type Loader interface {
	Load(ref string) (*plugin.Plugin, error)
}

// ruleKeys are the trigger keys that are not provider sections.
var ruleKeys = map[string]bool{
	"secret":       true,
	"branches":     true,
	"push":         true,
	"pull_request": true,
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor validates configuration and pipelines against the plugin setup.
type Doctor struct {
	cfg       *config.Config
	installer Installer
	loader    Loader
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config, installer Installer, loader Loader) *Doctor {
	return &Doctor{cfg: cfg, installer: installer, loader: loader}
}

// Validate checks the configuration, every webhook endpoint's pipeline and the
// given pipelines.
func (d *Doctor) Validate(pipelines ...*dsl.Pipeline) *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateStorage(r)
	d.validateWebhooks(r)
	for _, p := range pipelines {
		d.checkPipeline(r, p, "pipeline", false)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// CheckPipeline validates a single pipeline.
func (d *Doctor) CheckPipeline(p *dsl.Pipeline) *Result {
	r := &Result{Valid: true}
	d.checkPipeline(r, p, "pipeline", false)
	r.Valid = len(r.Errors) == 0
	return r
}

// CheckSet validates every pipeline of a directory, in name order.
func (d *Doctor) CheckSet(set *dsl.Set) *Result {
	r := &Result{Valid: true}
	for _, name := range set.Names() {
		d.checkPipeline(r, set.Pipelines[name], "pipelines."+name, false)
	}
	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Plugins.InstallCommand == "" {
		d.addError(r, "plugins", "plugins.install_command", "install_command is required")
	}
	if d.cfg.Plugins.InstallTimeout == 0 {
		d.addWarning(r, "plugins", "plugins.install_timeout", "install_timeout is 0; installs are never timed out")
	}
	if len(d.cfg.Plugins.SearchPaths) == 0 {
		d.addWarning(r, "plugins", "plugins.search_paths", "no search paths; only local and builtin plugins resolve")
	}
}

// validateStorage rejects state on network filesystems.
func (d *Doctor) validateStorage(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateWebhooks checks path conflicts and the pipeline behind each endpoint.
func (d *Doctor) validateWebhooks(r *Result) {
	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		if ep.Pipeline == "" {
			d.addError(r, "webhooks", field+".pipeline", fmt.Sprintf("webhook %q has no pipeline", ep.Path))
			continue
		}
		raw, err := os.ReadFile(ep.Pipeline)
		if err != nil {
			d.addError(r, "webhooks", field+".pipeline",
				fmt.Sprintf("webhook %q: pipeline file %s cannot be read: %v", ep.Path, ep.Pipeline, err))
			continue
		}
		d.warnMissingEnvVars(r, field+".pipeline", raw)

		p, err := dsl.LoadFile(ep.Pipeline)
		if err != nil {
			d.addError(r, "webhooks", field+".pipeline", fmt.Sprintf("webhook %q: %v", ep.Path, err))
			continue
		}
		d.checkPipeline(r, p, field+".pipeline", true)
	}
}

// checkPipeline validates steps, triggers and plugin references. Pipelines
// behind a webhook must carry a trigger mapping.
func (d *Doctor) checkPipeline(r *Result, p *dsl.Pipeline, field string, webhook bool) {
	if len(p.Steps) == 0 {
		d.addError(r, "steps", field+".steps", "pipeline has no steps")
	}
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			d.addError(r, "steps", fmt.Sprintf("%s.steps[%d]", field, i), err.Error())
		}
	}

	d.checkTriggers(r, p, field+".triggers", webhook)
	d.checkPlugins(r, p, field)
}

func (d *Doctor) checkTriggers(r *Result, p *dsl.Pipeline, field string, webhook bool) {
	if p.Triggers == nil {
		if webhook {
			d.addError(r, "triggers", field, "pipeline behind a webhook has no triggers")
		}
		return
	}
	m, ok := trigger.AsMapping(p.Triggers)
	if !ok {
		d.addError(r, "triggers", field, (&trigger.PreconditionError{Value: p.Triggers}).Error())
		return
	}
	if webhook && len(m) == 0 {
		d.addError(r, "triggers", field, "pipeline behind a webhook has no triggers")
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	known := make(map[string]bool)
	for _, prov := range trigger.Providers() {
		known[string(prov)] = true
	}
	for _, k := range keys {
		if !known[k] && !ruleKeys[k] {
			d.addWarning(r, "triggers", field+"."+k,
				fmt.Sprintf("unknown trigger section %q (known providers: %s)", k, providerList()))
		}
	}

	sections := false
	for _, prov := range trigger.Providers() {
		if _, ok := m[string(prov)]; !ok {
			continue
		}
		sections = true
		d.checkRules(r, m, prov, field+"."+string(prov))
	}
	if !sections {
		// One shared rule set for every provider.
		d.checkRules(r, m, trigger.Providers()[0], field)
	}
}

func (d *Doctor) checkRules(r *Result, m map[string]any, prov trigger.Provider, field string) {
	rules, err := trigger.DecodeRules(m, prov)
	if err != nil {
		d.addError(r, "triggers", field, err.Error())
		return
	}
	if rules != nil && rules.Secret == "" {
		d.addWarning(r, "triggers", field, "no secret; unsigned requests with a matching event verify")
	}
}

func (d *Doctor) checkPlugins(r *Result, p *dsl.Pipeline, field string) {
	for _, ref := range p.Plugins() {
		if d.installer != nil && d.installer.NeedsInstall(ref) && !plugin.IsLocalRef(ref) {
			d.addWarning(r, "plugins", field,
				fmt.Sprintf("plugin %q is not installed; it is installed on first run", ref))
			continue
		}
		if d.loader == nil {
			continue
		}
		if _, err := d.loader.Load(ref); err != nil {
			msg := err.Error()
			if errors.Is(err, plugin.ErrPluginNotFound) && plugin.IsLocalRef(ref) {
				msg = fmt.Sprintf("local plugin %q not found", ref)
			}
			d.addError(r, "plugins", field, msg)
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result, field string, raw []byte) {
	seen := make(map[string]bool)
	for _, m := range envVarRe.FindAllStringSubmatch(string(raw), -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		if _, ok := os.LookupEnv(m[1]); !ok {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

func providerList() string {
	var names []string
	for _, p := range trigger.Providers() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
