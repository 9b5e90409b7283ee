package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

func runCache(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("usage: verdict cache <path|list|clear|prune> [flags]")
	}
	sub := args[0]

	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	dir := fs.String("dir", defaultCacheDir(), "Cache directory")
	maxAge := fs.Duration("max-age", 7*24*time.Hour, "Prune entries older than this")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cache, err := model.NewCache(*dir)
	if err != nil {
		return err
	}

	switch sub {
	case "path":
		fmt.Println(cache.Dir())
		return nil
	case "list":
		fingerprints, err := cache.List()
		if err != nil {
			return err
		}
		for _, fp := range fingerprints {
			fmt.Println(fp)
		}
		fmt.Printf("%d entries\n", len(fingerprints))
		return nil
	case "clear":
		if err := cache.Clear(); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	case "prune":
		removed, err := cache.Prune(*maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d entries\n", removed)
		return nil
	default:
		return usagef("unknown cache subcommand: %s (supported: path, list, clear, prune)", sub)
	}
}
