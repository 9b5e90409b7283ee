package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
)

func runLog(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("usage: verdict log <list|dump|convert> [flags]")
	}
	switch args[0] {
	case "list":
		return runLogList(args[1:])
	case "dump":
		return runLogDump(args[1:])
	case "convert":
		return runLogConvert(args[1:])
	default:
		return usagef("unknown log subcommand: %s (supported: list, dump, convert)", args[0])
	}
}

func runLogList(args []string) error {
	fs := flag.NewFlagSet("log list", flag.ExitOnError)
	dir := fs.String("dir", defaultLogDir(), "Directory to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	infos, err := recorder.ListLogs(*dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%-6s %10d  %s\n", info.Format, info.Size, info.Path)
	}
	return nil
}

func runLogDump(args []string) error {
	fs := flag.NewFlagSet("log dump", flag.ExitOnError)
	logPath := fs.String("log", "", "Eval log to dump")
	asJSON := fs.Bool("json", false, "Print the full log as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *logPath == "" {
		return usagef("-log is required")
	}

	lg, err := recorder.ReadLog(*logPath)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lg)
	}

	h := lg.Header
	fmt.Printf("task:    %s\n", h.Task)
	fmt.Printf("model:   %s\n", h.Model)
	fmt.Printf("created: %s\n", h.Created.Format("2006-01-02 15:04:05"))
	if h.Status != "" {
		fmt.Printf("status:  %s\n", h.Status)
	}
	fmt.Printf("samples: %d\n", len(lg.Samples))
	for _, s := range lg.Samples {
		line := fmt.Sprintf("  %s/%d", s.ID, s.Epoch)
		for _, score := range s.Scores {
			line += fmt.Sprintf("  %s=%.3f", score.Scorer, score.Value)
		}
		if s.Limit != nil {
			line += fmt.Sprintf("  [limit: %s]", s.Limit.Kind)
		}
		if s.Errored() {
			line += fmt.Sprintf("  [error: %s]", s.Error.Message)
		}
		fmt.Println(line)
	}
	return nil
}

func runLogConvert(args []string) error {
	fs := flag.NewFlagSet("log convert", flag.ExitOnError)
	src := fs.String("log", "", "Source log")
	dst := fs.String("out", "", "Destination path")
	to := fs.String("to", "", "Target format: eval or json (default: from -out suffix)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *src == "" || *dst == "" {
		return usagef("-log and -out are required")
	}

	format := recorder.DetectFormat(*dst)
	switch *to {
	case "":
	case "eval":
		format = recorder.FormatEval
	case "json":
		format = recorder.FormatJSON
	default:
		return usagef("unknown format: %s (supported: eval, json)", *to)
	}

	if err := recorder.Convert(*src, *dst, format); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s)\n", *dst, format)
	return nil
}
