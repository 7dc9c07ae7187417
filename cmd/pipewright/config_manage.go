package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/pipewright/internal/config"
	"github.com/mattjoyce/pipewright/internal/doctor"
)

// resolveConfigTarget picks the config file for lock and check, which must
// operate on a real file.
func resolveConfigTarget(configPath string) string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigFile
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadUnverified(resolveConfigTarget(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	report, err := config.Lock(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %d file(s) into %s\n", len(report.Files), report.ChecksumPath)
	for _, path := range cfg.TrackedFiles() {
		fmt.Printf("  %s  %s\n", report.Files[path], path)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadUnverified(resolveConfigTarget(*configPath))
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
	result := doctor.New(cfg, pl.installer, pl.loader).Validate()

	if _, err := os.Stat(config.ChecksumPath(cfg.Dir)); err == nil {
		integrity, err := config.VerifyIntegrity(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed to run: %v\n", err)
			return 1
		}
		for _, msg := range integrity.Errors {
			result.Errors = append(result.Errors, doctor.Issue{Category: "integrity", Message: msg})
		}
		for _, msg := range integrity.Warnings {
			result.Warnings = append(result.Warnings, doctor.Issue{Category: "integrity", Message: msg})
		}
		result.Valid = len(result.Errors) == 0
	} else {
		result.Warnings = append(result.Warnings, doctor.Issue{
			Category: "integrity",
			Message:  "no .checksums manifest (run 'pipewright config lock')",
		})
	}

	return reportResult(result, *jsonOut)
}
