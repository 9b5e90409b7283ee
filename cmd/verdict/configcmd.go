package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ChamsBouzaiene/verdict/internal/config"
)

// applyConfigDefaults exports persistent config values into the
// environment so the rest of the CLI sees one source of truth.
// Precedence: real environment > .env > config file.
func applyConfigDefaults() {
	mgr, err := config.NewManager()
	if err != nil {
		return
	}
	cfg, err := mgr.Load()
	if err != nil {
		log.Printf("WARNING: ignoring config file: %v", err)
		return
	}
	for key, value := range cfg.Env() {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func runConfig(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("usage: verdict config <show|set|path> [key value]")
	}

	mgr, err := config.NewManager()
	if err != nil {
		return err
	}

	switch args[0] {
	case "path":
		fmt.Println(mgr.Path())
		return nil

	case "show":
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)

	case "set":
		if len(args) != 3 {
			return usagef("usage: verdict config set <key> <value>")
		}
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		if err := cfg.Set(args[1], args[2]); err != nil {
			return usagef("%v", err)
		}
		if err := mgr.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("set %s in %s\n", args[1], mgr.Path())
		return nil

	default:
		return usagef("unknown config subcommand: %s (supported: show, set, path)", args[0])
	}
}
