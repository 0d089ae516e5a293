// Package compile implements C6, the compilation step: resolve a
// CodeItem's language, build its dependency-aware cache key, reuse a
// cached artifact on hit, or compile it under the sandbox and store the
// result (spec.md §4.6).
package compile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rsalesc/rbx/internal/depcache"
	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/sandbox"
	"github.com/rsalesc/rbx/internal/store"
)

// defaultCompileMemoryBytes and defaultCompileWallMS are the fixed
// compile-time caps from §4.6 step 6 ("no time limit for compilation by
// default, memory cap 1 GB, 60s wall cap").
const (
	defaultCompileMemoryBytes = 1 << 30
	defaultCompileWallMS      = 60_000
)

// Dependency is one auto-injected or declared header/support file a
// CodeItem's compilation depends on (e.g. testlib.h, rbx.h).
type Dependency struct {
	LogicalName string
	Digest      model.Digest
}

// Request bundles everything C6 needs to compile one CodeItem.
type Request struct {
	Code         model.CodeItem
	Dependencies []Dependency
	Language     lang.Language
	BypassCache  bool // §4.6 "Cache bypass": sanitized builds, remote solutions, irun
}

// Result is what a successful or failed compilation produces.
type Result struct {
	Outcome         model.Outcome // CompilationError on failure, Accepted on success
	ArtifactDigest  model.Digest
	CompileLog      model.RunLog
	CompileStdout   string
	CompileStderr   string
	CacheHit        bool
}

// Compiler wires C1 (store), C2 (depcache), C4 (sandbox) together as C6.
type Compiler struct {
	Store    *store.Store
	Cache    *depcache.Cache
	Runtime  *runtime.Runtime
	ScratchDir string // root for transient workdirs
}

// Compile implements the full §4.6 algorithm.
func (c *Compiler) Compile(ctx context.Context, req Request) (Result, error) {
	sourceBytes, err := os.ReadFile(req.Code.Path)
	if err != nil {
		return Result{}, fmt.Errorf("compile: read source %s: %w", req.Code.Path, err)
	}
	sourceDigest, err := c.Store.Put(sourceBytes)
	if err != nil {
		return Result{}, fmt.Errorf("compile: store source: %w", err)
	}

	depDigests := make([]model.Digest, 0, len(req.Dependencies))
	for _, d := range req.Dependencies {
		depDigests = append(depDigests, d.Digest)
	}

	template := fmt.Sprintf("%v", req.Language.CompileCommands)
	key := depcache.CacheKey{
		SourceDigest:    sourceDigest,
		DepDigests:      depDigests,
		CompileTemplate: template,
		ExtraFlags:      req.Code.ExtraFlags,
		CacheVersion:    c.Runtime.CacheVersion,
	}

	if !req.BypassCache {
		lock := c.Cache.Lock(key)
		lock.Lock()
		defer lock.Unlock()

		if rec, ok, err := c.Cache.Lookup(key, c.Store); err != nil {
			return Result{}, fmt.Errorf("compile: cache lookup: %w", err)
		} else if ok {
			return Result{
				Outcome:        model.Accepted,
				ArtifactDigest: rec.ArtifactDigest,
				CompileLog:     rec.CompileLog,
				CompileStdout:  rec.CompileStdout,
				CompileStderr:  rec.CompileStderr,
				CacheHit:       true,
			}, nil
		}
	}

	workdir, err := os.MkdirTemp(c.ScratchDir, "rbx-compile-*")
	if err != nil {
		return Result{}, fmt.Errorf("compile: mkdtemp: %w", err)
	}
	defer os.RemoveAll(workdir)

	compilableName := req.Language.PhysicalName("compilable")
	executableName := req.Language.PhysicalName("executable")

	extras := []sandbox.ExtraFile{{LogicalName: compilableName, SourcePath: req.Code.Path}}
	for _, d := range req.Dependencies {
		extras = append(extras, sandbox.ExtraFile{LogicalName: d.LogicalName, Digest: d.Digest})
	}
	if err := sandbox.PrepareWorkdir(workdir, c.Store, extras); err != nil {
		return Result{}, fmt.Errorf("compile: prepare workdir: %w", err)
	}

	sub := lang.Substitutions{
		Compilable:       compilableName,
		Executable:       executableName,
		CompilationFlags: joinFlags(req.Code.ExtraFlags),
		MemoryLimitMB:    defaultCompileMemoryBytes / (1 << 20),
	}

	var lastLog model.RunLog
	var lastStdoutPath, lastStderrPath string
	for i, cmdTokens := range req.Language.RenderCompileCommands(sub) {
		stdoutPath := filepath.Join(workdir, fmt.Sprintf("compile.%d.stdout", i))
		stderrPath := filepath.Join(workdir, fmt.Sprintf("compile.%d.stderr", i))
		lastStdoutPath, lastStderrPath = stdoutPath, stderrPath

		lastLog, err = sandbox.Run(ctx, c.Runtime, sandbox.Params{
			Command:          cmdTokens,
			Dir:              workdir,
			StdoutPath:       stdoutPath,
			StderrPath:       stderrPath,
			TimeLimitMS:      defaultCompileWallMS,
			WallLimitMS:      defaultCompileWallMS,
			MemoryLimitBytes: defaultCompileMemoryBytes,
			OutputLimitBytes: 16 << 20,
		})
		if err != nil {
			return Result{}, fmt.Errorf("compile: run compile command %d: %w", i, err)
		}
		if lastLog.Status != model.ExitOk {
			out, _ := os.ReadFile(stdoutPath)
			errb, _ := os.ReadFile(stderrPath)
			return Result{
				Outcome:       model.CompilationError,
				CompileLog:    lastLog,
				CompileStdout: string(out),
				CompileStderr: string(errb),
			}, nil
		}
	}

	executablePath := filepath.Join(workdir, executableName)
	artifactDigest, err := c.Store.PutFromPath(executablePath)
	if err != nil {
		return Result{}, fmt.Errorf("compile: store artifact: %w", err)
	}

	var compileStdout, compileStderr string
	if lastStdoutPath != "" {
		if b, err := os.ReadFile(lastStdoutPath); err == nil {
			compileStdout = string(b)
		}
	}
	if lastStderrPath != "" {
		if b, err := os.ReadFile(lastStderrPath); err == nil {
			compileStderr = string(b)
		}
	}

	if !req.BypassCache {
		rec := depcache.CacheRecord{
			ArtifactDigest: artifactDigest,
			CreatedAtUnix:  time.Now().Unix(),
			CompileLog:     lastLog,
			CompileStdout:  compileStdout,
			CompileStderr:  compileStderr,
		}
		if err := c.Cache.Put(key, rec); err != nil {
			return Result{}, fmt.Errorf("compile: put cache record: %w", err)
		}
	}

	return Result{
		Outcome:        model.Accepted,
		ArtifactDigest: artifactDigest,
		CompileLog:     lastLog,
		CompileStdout:  compileStdout,
		CompileStderr:  compileStderr,
	}, nil
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}
