package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pipewright/internal/doctor"
	"github.com/mattjoyce/pipewright/internal/pipeline/dsl"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/storage"
	"github.com/mattjoyce/pipewright/internal/trigger"
	"github.com/mattjoyce/pipewright/internal/tui"
)

func runPipelinePlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the plan as JSON")
	record := fs.Bool("record", false, "Record the run in the state database")
	file, err := parseWithPositional(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "Usage: pipewright pipeline plan <file> [--config PATH] [--json] [--record]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	setupToolLogging(cfg)

	p, err := dsl.LoadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		return 1
	}

	pl, err := newPlanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin setup error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		_ = pl.procs.KillAll()
	}()

	var r *run.Run
	if *record {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Database error: %v\n", err)
			return 1
		}
		defer db.Close()

		store := run.NewStore(db)
		pl.installer.SetJournal(store)
		r, err = run.NewPreparer(store, pl.resolver, pl.procs, 1).Prepare(ctx, p, "")
		if err != nil {
			if r != nil {
				fmt.Fprintf(os.Stderr, "Run %s failed: %v\n", r.ID, err)
			} else {
				fmt.Fprintf(os.Stderr, "Plan failed: %v\n", err)
			}
			return 1
		}
	} else {
		steps, err := pl.resolver.Resolve(ctx, p.Steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Plan failed: %v\n", err)
			return 1
		}
		fingerprint, err := dsl.Fingerprint(steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Plan failed: %v\n", err)
			return 1
		}
		r = &run.Run{
			Pipeline:    p.Name,
			Status:      run.StatusPrepared,
			Source:      p.Source,
			Fingerprint: fingerprint,
			Steps:       steps,
			CreatedAt:   time.Now().UTC(),
		}
	}

	if *jsonOut {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render plan JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Println(tui.RenderPlan(r))
	return 0
}

func runPipelineCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	target, err := parseWithPositional(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "Usage: pipewright pipeline check <file|dir> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	setupToolLogging(cfg)

	pl, err := newPlanner(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin setup error: %v\n", err)
		return 1
	}
	d := doctor.New(cfg, pl.installer, pl.loader)

	if info, err := os.Stat(target); err == nil && info.IsDir() {
		set, err := dsl.LoadDir(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
			return 1
		}
		if len(set.Pipelines) == 0 {
			fmt.Fprintf(os.Stderr, "No pipeline files in %s\n", target)
			return 1
		}
		return reportResult(d.CheckSet(set), *jsonOut)
	}

	p, err := dsl.LoadFile(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		return 1
	}
	return reportResult(d.CheckPipeline(p), *jsonOut)
}

// reportResult prints a doctor result and maps it to an exit code:
// 1 for errors, 2 for warnings only, 0 otherwise.
func reportResult(result *doctor.Result, jsonOut bool) int {
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0:
		return 2
	}
	return 0
}

// headerFlags collects repeated --header 'Name: value' flags.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q must be 'Name: value'", v)
	}
	*h = append(*h, v)
	return nil
}

func (h headerFlags) header() http.Header {
	out := make(http.Header, len(h))
	for _, kv := range h {
		name, value, _ := strings.Cut(kv, ":")
		out.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return out
}

func runTriggerVerify(args []string) int {
	var headers headerFlags
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	pipelinePath := fs.String("pipeline", "", "Pipeline file whose triggers are checked")
	payloadPath := fs.String("payload", "", "Payload body file, or - for stdin")
	fs.Var(&headers, "header", "Request header 'Name: value' (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *pipelinePath == "" || *payloadPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: pipewright trigger verify --pipeline FILE --payload FILE [--header 'Name: value']...")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	setupToolLogging(cfg)

	p, err := dsl.LoadFile(*pipelinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		return 1
	}

	var body []byte
	if *payloadPath == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(*payloadPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Payload error: %v\n", err)
		return 1
	}

	payload := trigger.Payload{Header: headers.header(), Body: body}
	verified, err := trigger.NewDispatcher(nil).Verify(context.Background(), p.Triggers, payload)
	if err != nil {
		var precondition *trigger.PreconditionError
		switch {
		case errors.Is(err, trigger.ErrUnknownProvider):
			fmt.Fprintf(os.Stderr, "Verify failed: %v (set one of the provider event headers, e.g. X-GitHub-Event)\n", err)
		case errors.As(err, &precondition):
			fmt.Fprintf(os.Stderr, "Verify failed: pipeline %s: %v\n", p.Name, err)
		default:
			fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		}
		return 1
	}

	fmt.Printf("verified: %t\n", verified)
	if !verified {
		return 2
	}
	return 0
}

func runRunList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	jsonOut := fs.Bool("json", false, "Output runs as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, closeDB, code := openStoreForTool(*configPath)
	if store == nil {
		return code
	}
	defer closeDB()

	runs, err := store.ListRuns(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		if runs == nil {
			runs = []*run.Run{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render runs JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	fmt.Println(tui.RenderRuns(runs))
	return 0
}

func runRunShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the run as JSON")
	id, err := parseWithPositional(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: pipewright run show <id> [--config PATH] [--json]")
		return 1
	}

	store, closeDB, code := openStoreForTool(*configPath)
	if store == nil {
		return code
	}
	defer closeDB()

	r, err := store.GetRun(context.Background(), id)
	if errors.Is(err, run.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run %s not found\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render run JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Println(tui.RenderPlan(r))

	counts := make(map[string]int)
	for _, s := range r.Steps {
		if s.Plugin == "" {
			continue
		}
		if _, seen := counts[s.Plugin]; seen {
			continue
		}
		n, err := store.CountInstalls(context.Background(), s.Plugin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
			return 1
		}
		counts[s.Plugin] = n
	}
	if len(counts) > 0 {
		fmt.Println(tui.RenderInstalls(counts))
	}
	return 0
}

func runRunWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	interval := fs.Duration("interval", time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, closeDB, code := openStoreForTool(*configPath)
	if store == nil {
		return code
	}
	defer closeDB()

	p := tea.NewProgram(tui.NewWatch(store, *limit, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

func openStoreForTool(configPath string) (*run.Store, func(), int) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return nil, nil, 1
	}
	setupToolLogging(cfg)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Database error: %v\n", err)
		return nil, nil, 1
	}
	return run.NewStore(db), func() { _ = db.Close() }, 0
}
