package execstep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/store"
)

var echoLang = lang.Language{
	Name:       "echoer",
	RunCommand: []string{"{executable}"},
	FileMapping: map[string]string{
		"executable": "program",
	},
}

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	rt := runtime.Default()
	rt.SandboxPollInterval = 10 * time.Millisecond
	return &Runner{Store: s, Runtime: rt, ScratchDir: t.TempDir()}, s
}

func storeScript(t *testing.T, s *store.Store, body string) model.Digest {
	t.Helper()
	d, err := s.Put([]byte(body))
	if err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return d
}

func TestDeriveSandboxParamsAppliesWallFloorAndDoubleTL(t *testing.T) {
	rt := runtime.Default()
	rt.TimeMultiplier = 1.0

	timeMS, wallMS, memBytes, outBytes := DeriveSandboxParams(rt, model.Limits{TimeMS: 500, MemoryMB: 256, OutputKB: 1024})
	if timeMS != 500 {
		t.Fatalf("timeMS = %d, want 500", timeMS)
	}
	if wallMS != minWallMS {
		t.Fatalf("wallMS = %d, want floor %d", wallMS, minWallMS)
	}
	if memBytes != 256<<20 {
		t.Fatalf("memBytes = %d, want %d", memBytes, 256<<20)
	}
	if outBytes != 1024*1024 {
		t.Fatalf("outBytes = %d, want %d", outBytes, 1024*1024)
	}

	dtMS, dtWall, _, _ := DeriveSandboxParams(rt, model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024, IsDoubleTL: true})
	if dtMS != 4000 {
		t.Fatalf("doubled timeMS = %d, want 4000", dtMS)
	}
	// wall = max(3*2000, 10000) = 10000, doubled to 20000 (the floor is
	// applied before doubling, per DeriveSandboxParams' step order).
	if dtWall != 20000 {
		t.Fatalf("doubled wallMS = %d, want 20000", dtWall)
	}
}

func TestRunnerRunExecutesArtifactAgainstTestcase(t *testing.T) {
	runner, s := newTestRunner(t)
	artifact := storeScript(t, s, "#!/bin/sh\nread line\necho \"got: $line\"\n")

	inputPath := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(inputPath, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := runner.Run(context.Background(), Request{
		ArtifactDigest: artifact,
		Language:       echoLang,
		Testcase:       model.TestcaseIO{Name: "case1", InputPath: inputPath},
		Limits:         model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunLog.Status != model.ExitOk {
		t.Fatalf("Status = %v, want Ok", res.RunLog.Status)
	}
	out, err := os.ReadFile(res.StdoutPath)
	if err != nil {
		t.Fatalf("read persisted stdout: %v", err)
	}
	if string(out) != "got: hello\n" {
		t.Fatalf("stdout = %q, want %q", out, "got: hello\n")
	}
}

func TestRunnerRunRoutesInteractorThroughCommunicate(t *testing.T) {
	runner, s := newTestRunner(t)
	solArtifact := storeScript(t, s, "#!/bin/sh\nread line\necho \"got:$line\"\n")
	intArtifact := storeScript(t, s, "#!/bin/sh\necho hello\nread line\nif [ \"$line\" = \"got:hello\" ]; then exit 4; else exit 1; fi\n")

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	expectedPath := filepath.Join(dir, "expected.txt")
	if err := os.WriteFile(inputPath, nil, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := os.WriteFile(expectedPath, nil, 0o644); err != nil {
		t.Fatalf("write expected: %v", err)
	}

	res, err := runner.Run(context.Background(), Request{
		ArtifactDigest: solArtifact,
		Language:       echoLang,
		Testcase:       model.TestcaseIO{Name: "case-comm", InputPath: inputPath, AnswerPath: expectedPath},
		Limits:         model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		Interactor: &InteractorRequest{
			ArtifactDigest: intArtifact,
			Language:       echoLang,
			Limits:         model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Interactor == nil {
		t.Fatalf("Interactor RunLog not populated")
	}
	if res.CommunicateVerdict == nil {
		t.Fatalf("CommunicateVerdict not populated")
	}
	if *res.CommunicateVerdict != model.Accepted {
		t.Fatalf("CommunicateVerdict = %v, want ACCEPTED", *res.CommunicateVerdict)
	}
}

func TestRunnerRunPersistsOutputAfterWorkdirRemoved(t *testing.T) {
	runner, s := newTestRunner(t)
	artifact := storeScript(t, s, "#!/bin/sh\necho done\n")

	inputPath := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(inputPath, nil, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := runner.Run(context.Background(), Request{
		ArtifactDigest: artifact,
		Language:       echoLang,
		Testcase:       model.TestcaseIO{Name: "case2", InputPath: inputPath},
		Limits:         model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !filepath.IsAbs(res.StdoutPath) {
		t.Fatalf("StdoutPath should be an absolute stable path, got %q", res.StdoutPath)
	}
	if _, err := os.Stat(res.StdoutPath); err != nil {
		t.Fatalf("persisted stdout missing: %v", err)
	}
}
