// Command verdict runs language-model evaluations and scans over their
// logs.
//
//	verdict eval -dataset tasks.json -task arithmetic
//	verdict score -log logs/run.eval -scorer match-numeric
//	verdict scan -scanners message-count,tool-errors
//	verdict scan-resume -location scans/2026-..._default_ab12cd34
//	verdict log list|dump|convert
//	verdict cache path|list|clear|prune
//	verdict config show|set|path
//
// Provider credentials come from the environment (see VERDICT_PROVIDER);
// a .env file in the working directory is loaded first.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// errEvalFailed marks a run that completed but whose task failed its
// fail-on-error policy: exit 1 without the log.Fatalf noise.
var errEvalFailed = errors.New("eval failed")

// usageError exits 2: the command line was wrong, nothing ran.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	// Load .env if present so provider keys don't have to be exported,
	// then fill remaining gaps from the persistent config file.
	_ = godotenv.Load()
	applyConfigDefaults()

	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "eval":
		err = runEval(ctx, args)
	case "score":
		err = runScore(ctx, args)
	case "scan":
		err = runScan(ctx, args)
	case "scan-resume":
		err = runScanResume(ctx, args)
	case "log":
		err = runLog(ctx, args)
	case "cache":
		err = runCache(ctx, args)
	case "config":
		err = runConfig(ctx, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	switch {
	case err == nil:
	case errors.Is(err, errEvalFailed):
		os.Exit(1)
	default:
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, ue.msg)
			os.Exit(2)
		}
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: verdict <command> [flags]

commands:
  eval         run tasks from a dataset against the configured provider
  score        re-score an existing eval log
  scan         run scanners over a directory of eval logs
  scan-resume  finish an interrupted scan
  log          list, dump, or convert eval logs
  cache        inspect or clean the generate cache
  config       show or set persistent defaults

Run 'verdict <command> -h' for command flags.
`)
}
