// shardctl is a small operational CLI and interactive shell over a shard
// data file: open/create it, run CRUD one-liners from the command line,
// or drop into a REPL for interactive poking. It is a thin façade-like
// demonstrator, not the engine itself — everything it does goes through
// the exported shard.Engine API.
//
// Usage:
//
//	shardctl [flags] <file>
//	shardctl [flags]                (temporary file, removed on exit)
//
// Interactive commands (REPL, once a file is open):
//
//	insert <bytes...>     insert a row, print its assigned pk
//	select <pk>           print the row stored at pk
//	update <pk> <bytes>   replace the row stored at pk
//	delete <pk>           delete the row stored at pk
//	meta                  print page size, page count, row count
//	cache                 print LRU cache hit/miss stats
//	vacuum                reclaim fully-deleted data pages
//	help                  show this list
//	quit / exit           leave the shell
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/shard-db/shard"
)

func main() {
	pageSize := flag.Int("page-size", 0, "page size in bytes (min 4096, power of two; 0 = engine default)")
	cacheCapacity := flag.Int("cache-pages", 0, "LRU page cache capacity (0 = engine default, minimum 100)")
	readOnly := flag.Bool("readonly", false, "open the data file without allowing writes")
	flag.Parse()

	opts := shard.Options{
		PageSize:          *pageSize,
		PageCacheCapacity: *cacheCapacity,
	}

	path := flag.Arg(0)
	var cleanup func()
	if path == "" {
		f, err := os.CreateTemp("", "shard-*.db")
		if err != nil {
			log.Fatalf("shardctl: cannot create temp file: %v", err)
		}
		path = f.Name()
		f.Close()
		cleanup = func() { os.Remove(path) }
		fmt.Printf("shardctl: using temporary file %s\n", path)
	}

	var (
		engine *shard.Engine
		err    error
	)
	if *readOnly {
		engine, err = shard.OpenReadOnly(path, opts)
	} else {
		engine, err = shard.Open(path, opts)
	}
	if err != nil {
		log.Fatalf("shardctl: open %s: %v", path, err)
	}
	defer engine.Close()
	if cleanup != nil {
		defer cleanup()
	}

	report := engine.LastRecovery()
	if report.ReplayedPages > 0 || len(report.Skipped) > 0 {
		log.Printf("shardctl: WAL recovery replayed %d page(s), skipped %d entr(ies)", report.ReplayedPages, len(report.Skipped))
		for _, s := range report.Skipped {
			log.Printf("shardctl:   skipped page %d: %s", s.PageID, s.Reason)
		}
	}

	if flag.NArg() > 1 {
		runOneShot(engine, flag.Args()[1:])
		return
	}

	runREPL(engine, path)
}

// runOneShot executes a single verb (and its arguments) against engine and
// exits, for use as a scripting tool rather than an interactive shell.
func runOneShot(e *shard.Engine, args []string) {
	if err := dispatch(e, args); err != nil {
		log.Fatalf("shardctl: %v", err)
	}
}

func runREPL(e *shard.Engine, path string) {
	fmt.Printf("shardctl — %s\n", path)
	fmt.Println("type 'help' for commands, 'quit' to leave")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("shard> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			return
		case "help":
			printHelp()
			continue
		}
		if err := dispatch(e, fields); err != nil {
			fmt.Printf("  error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("shardctl: reading stdin: %v", err)
	}
}

func printHelp() {
	fmt.Println(`commands:
  insert <bytes...>     insert a row, print its assigned pk
  select <pk>           print the row stored at pk
  update <pk> <bytes>   replace the row stored at pk
  delete <pk>           delete the row stored at pk
  meta                  print page size, page count, row count
  cache                 print LRU cache hit/miss stats
  vacuum                reclaim fully-deleted data pages
  help                  show this list
  quit / exit           leave the shell`)
}

func dispatch(e *shard.Engine, fields []string) error {
	switch strings.ToLower(fields[0]) {
	case "insert":
		if len(fields) < 2 {
			return fmt.Errorf("usage: insert <bytes...>")
		}
		body := []byte(strings.Join(fields[1:], " "))
		pk, err := e.Insert(body, nil)
		if err != nil {
			return err
		}
		fmt.Printf("  pk = %d\n", pk)
		return nil

	case "select":
		pk, err := parsePK(fields)
		if err != nil {
			return err
		}
		body, err := e.Select(pk, nil)
		if err != nil {
			return err
		}
		if body == nil {
			fmt.Println("  (not found)")
			return nil
		}
		fmt.Printf("  %s\n", body)
		return nil

	case "update":
		if len(fields) < 3 {
			return fmt.Errorf("usage: update <pk> <bytes...>")
		}
		pk, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid pk %q: %w", fields[1], err)
		}
		body := []byte(strings.Join(fields[2:], " "))
		return e.Update(pk, body, nil)

	case "delete":
		pk, err := parsePK(fields)
		if err != nil {
			return err
		}
		return e.Delete(pk, nil)

	case "meta":
		meta, err := e.Metadata(nil)
		if err != nil {
			return err
		}
		fmt.Printf("  page size  : %d\n", meta.PageSize)
		fmt.Printf("  page count : %d\n", meta.PageCount)
		fmt.Printf("  row count  : %d\n", meta.RowCount)
		fmt.Printf("  instance   : %s\n", e.InstanceID())
		return nil

	case "cache":
		hits, misses, size, capacity := e.CacheStats()
		fmt.Printf("  capacity : %d pages\n", capacity)
		fmt.Printf("  size     : %d pages\n", size)
		fmt.Printf("  hits     : %d\n", hits)
		fmt.Printf("  misses   : %d\n", misses)
		fmt.Printf("  hit rate : %.1f%%\n", e.CacheHitRate()*100)
		return nil

	case "vacuum":
		n, err := e.Vacuum()
		if err != nil {
			return err
		}
		fmt.Printf("  reclaimed %d page(s)\n", n)
		return nil

	default:
		return fmt.Errorf("unknown command %q (type 'help')", fields[0])
	}
}

func parsePK(fields []string) (uint64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("usage: %s <pk>", fields[0])
	}
	pk, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pk %q: %w", fields[1], err)
	}
	return pk, nil
}
