package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/tui"
)

type pluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Entrypoint  string `json:"entrypoint"`
	PostRun     string `json:"post_run,omitempty"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output plugins as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
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

	builtins := pl.loader.Builtins().All()
	plugins := make([]*plugin.Plugin, 0, len(builtins))
	for _, p := range builtins {
		plugins = append(plugins, p)
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })

	if *jsonOut {
		infos := make([]pluginInfo, 0, len(plugins))
		for _, p := range plugins {
			infos = append(infos, pluginInfo{
				Name:        p.Name,
				Version:     p.Version,
				Description: p.Description,
				Entrypoint:  p.Entrypoint,
				PostRun:     p.PostRun,
			})
		}
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render plugins JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	if len(plugins) == 0 {
		fmt.Println("No builtin plugins configured.")
		return 0
	}
	fmt.Println(tui.RenderPlugins(plugins))
	return 0
}
