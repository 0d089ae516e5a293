// Command rbxjudge is the grading core's CLI entrypoint: it compiles one
// solution, runs it against a directory of testcases, checks each output,
// and prints the aggregated SolutionOutcomeReport as JSON — the same
// signal-context/graceful-shutdown shape as cmd/worker/main.go, minus the
// DB-backed job queue (there is no manifest parser in scope; testcases and
// solution paths are named directly on the command line).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rsalesc/rbx/internal/checker"
	"github.com/rsalesc/rbx/internal/compile"
	"github.com/rsalesc/rbx/internal/config"
	"github.com/rsalesc/rbx/internal/depcache"
	"github.com/rsalesc/rbx/internal/evaluate"
	"github.com/rsalesc/rbx/internal/execstep"
	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/logx"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/reportstore"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/schedstatus"
	"github.com/rsalesc/rbx/internal/statusapi"
	"github.com/rsalesc/rbx/internal/store"
)

func main() {
	var (
		solutionPath = flag.String("solution", "", "path to the solution source file")
		checkerPath  = flag.String("checker", "", "path to a checker source file (word-compare fallback if empty)")
		checkerLang  = flag.String("checker-lang", "", "explicit language tag for the checker (defaults to its extension)")
		interactorPath = flag.String("interactor", "", "path to an interactor source file (routes grading through C5 instead of direct C4)")
		interactorLang = flag.String("interactor-lang", "", "explicit language tag for the interactor (defaults to its extension)")
		testsDir     = flag.String("tests", "", "directory of <name>.in/<name>.ans testcase pairs")
		timeMS       = flag.Int64("time-ms", 1000, "per-testcase time limit in milliseconds")
		memoryMB     = flag.Int64("memory-mb", 256, "per-testcase memory limit in megabytes")
		outputKB     = flag.Int64("output-kb", 65536, "per-testcase output limit in kilobytes")
		doubleTL     = flag.Bool("double-tl", false, "re-verify TIME_LIMIT_EXCEEDED verdicts with one re-run at 2x the declared limits")
		serve        = flag.Bool("serve", false, "also expose the status API while grading")
		addr         = flag.String("addr", ":8089", "status API listen address when -serve is set")
	)
	flag.Parse()

	if *solutionPath == "" || *testsDir == "" {
		fmt.Fprintln(os.Stderr, "usage: rbxjudge -solution <path> -tests <dir> [-checker <path>] [-serve]")
		os.Exit(2)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := logx.Setup(cfg, "rbxjudge.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	rt := runtime.Default()
	rt.TimeMultiplier = cfg.TimeMultiplier

	scratchRoot, err := os.MkdirTemp("", "rbxjudge-run-*")
	if err != nil {
		log.Fatalf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(scratchRoot)

	st, err := store.New(filepath.Join(cfg.CacheDir, "store"),
		store.WithCompression(true, 3, 32<<10),
		store.WithIntegrityCheck(true))
	if err != nil {
		log.Fatalf("failed to open content store: %v", err)
	}

	cache, err := depcache.Open(filepath.Join(cfg.CacheDir, "depcache.db"))
	if err != nil {
		log.Fatalf("failed to open dependency cache: %v", err)
	}
	defer cache.Close()

	registry, err := loadLanguages(cfg.LanguageConfig)
	if err != nil {
		log.Fatalf("failed to load language registry: %v", err)
	}

	var tracker *schedstatus.Tracker
	if cfg.RedisURL != "" {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer redisClient.Close()
		tracker = schedstatus.NewTracker(redisClient)
		tracker.Start(ctx)
		defer tracker.Stop()
	}

	var reports reportstore.Repository
	if cfg.DatabaseURL != "" {
		pool, err := reportstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect database: %v", err)
		}
		defer pool.Close()
		reports = reportstore.NewPgRepository(pool)
	}

	if *serve {
		srv := &http.Server{Addr: *addr, Handler: statusapi.NewRouter(statusapi.Deps{
			Reports:   reports,
			Tracker:   tracker,
			StartedAt: time.Now(),
		})}
		go func() {
			log.Printf("status api listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status api stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine := &evaluate.Engine{
		Store: st,
		Compiler: &compile.Compiler{
			Store:      st,
			Cache:      cache,
			Runtime:    rt,
			ScratchDir: scratchRoot,
		},
		Runner: &execstep.Runner{
			Store:      st,
			Runtime:    rt,
			ScratchDir: scratchRoot,
		},
		CheckerRunner: &checker.Runner{
			Runtime:    rt,
			ScratchDir: scratchRoot,
		},
		ScratchDir: scratchRoot,
	}

	solutionLang, ok := registry.ByExtension(filepath.Ext(*solutionPath))
	if !ok {
		log.Fatalf("no language registered for extension %q", filepath.Ext(*solutionPath))
	}

	req := evaluate.Request{
		Solution:         model.CodeItem{Path: *solutionPath},
		SolutionLanguage: solutionLang,
		Limits: model.Limits{
			TimeMS:   *timeMS,
			MemoryMB: *memoryMB,
			OutputKB: *outputKB,
		},
		DoubleTL: *doubleTL,
		Expected: model.ExpectedOutcome{Tag: model.TagAny},
	}

	if *checkerPath != "" {
		tag := *checkerLang
		if tag == "" {
			tag = strings.TrimPrefix(filepath.Ext(*checkerPath), ".")
		}
		chkLang, ok := registry.ByName(tag)
		if !ok {
			chkLang, ok = registry.ByExtension(filepath.Ext(*checkerPath))
		}
		if !ok {
			log.Fatalf("no language registered for checker %q", *checkerPath)
		}
		req.Checker = &evaluate.CheckerSpec{Code: model.CodeItem{Path: *checkerPath}, Language: chkLang}
	}

	if *interactorPath != "" {
		tag := *interactorLang
		if tag == "" {
			tag = strings.TrimPrefix(filepath.Ext(*interactorPath), ".")
		}
		intLang, ok := registry.ByName(tag)
		if !ok {
			intLang, ok = registry.ByExtension(filepath.Ext(*interactorPath))
		}
		if !ok {
			log.Fatalf("no language registered for interactor %q", *interactorPath)
		}
		req.Interactor = &evaluate.InteractorSpec{Code: model.CodeItem{Path: *interactorPath}, Language: intLang}
	}

	req.Testcases, err = discoverTestcases(*testsDir)
	if err != nil {
		log.Fatalf("failed to discover testcases in %s: %v", *testsDir, err)
	}
	if len(req.Testcases) == 0 {
		log.Fatalf("no testcases (*.in files) found in %s", *testsDir)
	}

	if tracker != nil {
		evalID := filepath.Base(*solutionPath)
		tracker.EvaluationStarted(ctx, evalID, *solutionPath, "suite")
		defer tracker.EvaluationFinished(ctx, evalID)
	}

	report, err := engine.EvaluateSolution(ctx, req)
	if err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}

	if reports != nil {
		if err := reports.Save(ctx, report); err != nil {
			log.Printf("failed to persist report: %v", err)
		}
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal report: %v", err)
	}
	fmt.Println(string(out))

	if report.Status != model.StatusOK {
		os.Exit(1)
	}
}

// loadLanguages reads env.rbx.yml if present, falling back to the
// built-in output-only "cat" language so the binary still runs against a
// directory of precomputed outputs with no config file at all.
func loadLanguages(path string) (*lang.Registry, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return lang.Load(path)
		}
	}
	return lang.LoadBuiltins([]lang.Language{lang.CatLanguage})
}

func newRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// discoverTestcases scans dir for <name>.in files and pairs each with a
// same-named .ans or .out file when present (§3.1 TestcaseIO), sorted by
// name so suite order is deterministic run to run.
func discoverTestcases(dir string) ([]model.TestcaseIO, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".in") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".in"))
	}
	sort.Strings(names)

	out := make([]model.TestcaseIO, 0, len(names))
	for _, name := range names {
		tc := model.TestcaseIO{Name: name, InputPath: filepath.Join(dir, name+".in")}
		for _, ext := range []string{".ans", ".out"} {
			candidate := filepath.Join(dir, name+ext)
			if _, err := os.Stat(candidate); err == nil {
				tc.AnswerPath = candidate
				break
			}
		}
		out = append(out, tc)
	}
	return out, nil
}
