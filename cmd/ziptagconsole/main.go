/*
ziptagconsole is an interactive REPL for issuing queries and committing
overlay statements against a ZipTag data directory, talking directly to
an in-process store rather than over a network transport.
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/krotik/common/logutil"

	"github.com/ziptag/ziptag/config"
	"github.com/ziptag/ziptag/query/exec"
	"github.com/ziptag/ziptag/query/parser"
	"github.com/ziptag/ziptag/store"
	"github.com/ziptag/ziptag/txn"
	"github.com/ziptag/ziptag/wal"
)

var consoleLog = logutil.GetLogger("server")

func main() {
	configFile := flag.String("config", config.DefaultConfigFile, "configuration file")
	flag.Parse()

	if _, err := os.Stat(*configFile); err == nil {
		if err := config.LoadConfigFile(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, "could not load config:", err)
			os.Exit(1)
		}
	} else {
		config.LoadDefaultConfig()
	}

	logutil.GetLogger("wal").AddLogSink(logutil.StringToLoglevel("Warning"), logutil.ConsoleFormatter(), os.Stderr)
	logutil.GetLogger("server").AddLogSink(logutil.StringToLoglevel("Warning"), logutil.ConsoleFormatter(), os.Stderr)

	dir := config.Str(config.Path)
	s, log, err := openStore(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not open data directory:", err)
		os.Exit(1)
	}
	defer log.Close()

	fmt.Println("ziptag console -", dir, "- type 'help' for commands")
	runREPL(s, log)
}

func openStore(dir string) (*store.Store, *wal.Log, error) {
	s, err := wal.Recover(dir)
	if err != nil {
		return nil, nil, err
	}
	log, err := wal.Open(dir,
		wal.WithFlushInterval(int(config.Int(config.FlushIntervalMs))),
		wal.WithSegmentBytes(config.Int(config.WalSegmentBytes)))
	if err != nil {
		return nil, nil, err
	}
	return s, log, nil
}

func runREPL(s *store.Store, log *wal.Log) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("ziptag> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "quit" || line == "exit":
			return
		case line == "help":
			printHelp()
		case line == "stats":
			printStats(s)
		case line == "snapshot":
			runSnapshot(s, log)
		case strings.HasPrefix(line, "explain "):
			runExplain(s, strings.TrimPrefix(line, "explain "))
		case strings.HasPrefix(line, "commit "):
			runCommit(s, log, strings.TrimPrefix(line, "commit "))
		default:
			runQuery(s, line)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  <query>                run a fetch query, e.g. | person(startswith("a"))
  explain <query>        run the query and show its plan tree instead of its results
  commit { ops }         stage and commit overlay ops, e.g. commit { +tag(person,"bob") }
  stats                  show live tag/link counts
  snapshot               write a snapshot and truncate the WAL
  quit                   exit the console`)
}

func printStats(s *store.Store) {
	st := s.Stats()
	fmt.Println("current_rev:", st.CurrentRev)
	fmt.Println("live_links: ", st.LiveLinks)
	for ttype, n := range st.TagsByType {
		fmt.Printf("  %-20s %d\n", ttype, n)
	}
}

func runSnapshot(s *store.Store, log *wal.Log) {
	rev := s.CurrentRev()
	path := fmt.Sprintf("%s/snapshot-%d.bin", log.Dir(), rev)
	if err := wal.BuildSnapshot(path, s); err != nil {
		fmt.Fprintln(os.Stderr, "snapshot failed:", err)
		return
	}
	if err := log.TruncateBefore(rev); err != nil {
		fmt.Fprintln(os.Stderr, "wal truncation failed:", err)
		return
	}
	consoleLog.Info("wrote snapshot at rev ", rev)
	fmt.Println("snapshot written at rev", rev)
}

func newExecutor(view *txn.View, s *store.Store) *exec.Executor {
	return exec.New(view, exec.WithStore(s),
		exec.WithWorkers(int(config.Int(config.Workers))),
		exec.WithParallelThreshold(int(config.Int(config.ParallelThreshold))),
		exec.WithMemoCacheSize(uint64(config.Int(config.MemoCacheEntries))))
}

func runExplain(s *store.Store, query string) {
	view := txn.NewView(s)
	res, err := newExecutor(view, s).Run(context.Background(), "console", query)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if res.Plan != nil {
		fmt.Println(res.Plan.Explain())
	}
}

func runQuery(s *store.Store, query string) {
	view := txn.NewView(s)
	res, err := newExecutor(view, s).Run(context.Background(), "console", query)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	fmt.Println("refs:", res.Refs)
	for _, r := range res.Refs {
		ttype, val, ok := view.Get(r)
		if ok {
			fmt.Printf("  %d: %s:%s\n", r, ttype, val)
		}
	}
}

/*
runCommit parses block, a braced '{ ... }' overlay block, reusing the
query parser by turning it into a trivial 'with {...} | *' so the grammar
still accepts it, then stages and commits its statements as a real Tx
rather than a preview-only one.
*/
func runCommit(s *store.Store, log *wal.Log, block string) {
	q, err := parser.Parse("console", "with "+block+" | *")
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse error:", err)
		return
	}

	opts := []txn.Option{
		txn.WithWAL(log),
		txn.WithLimits(int(config.Int(config.MaxValBytes)), int(config.Int(config.MaxTTypeBytes))),
	}
	if config.Bool(config.SyncOnCommit) {
		opts = append(opts, txn.WithSync())
	}
	tx := txn.Open(s, opts...)

	if err := exec.ApplyOverlay(tx, q.Overlay); err != nil {
		tx.Abort()
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	rev, err := tx.Commit()
	if err != nil {
		fmt.Fprintln(os.Stderr, "commit failed:", err)
		return
	}
	fmt.Println("committed at rev", rev)
}
