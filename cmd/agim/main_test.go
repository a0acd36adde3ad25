package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agim-lang/agim/wire"
)

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// isolate runs the test from an empty directory so no agim.toml above the
// source tree is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "agim.toml"), []byte("[log]\nverbosity = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunSamples(t *testing.T) {
	isolate(t)
	tests := []struct {
		engine string
		sample string
		n      string
		want   string
	}{
		{"stack", "fib", "15", "610"},
		{"register", "fib", "15", "610"},
		{"stack", "ping", "21", "42"},
		{"register", "ping", "21", "42"},
		{"stack", "count", "5000", "0"},
		{"register", "count", "5000", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.engine+"/"+tt.sample, func(t *testing.T) {
			out, errOut, code := runCLI(t, "run", "-engine", tt.engine, "-sample", tt.sample, "-n", tt.n)
			if code != 0 {
				t.Fatalf("exit %d: %s", code, errOut)
			}
			if got := strings.TrimSpace(out); got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildAndRunFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "fib.agimc")
	if _, errOut, code := runCLI(t, "build", "-sample", "fib", "-n", "10", "-o", path); code != 0 {
		t.Fatalf("build exit %d: %s", code, errOut)
	}
	out, errOut, code := runCLI(t, "run", "-stats", path)
	if code != 0 {
		t.Fatalf("run exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "heap: ") || !strings.HasSuffix(out, "55\n") {
		t.Errorf("output = %q, want heap stats and 55", out)
	}

	out, _, code = runCLI(t, "dis", path)
	if code != 0 || !strings.Contains(out, "DEFINE_GLOBAL") {
		t.Errorf("dis output = %q", out)
	}
}

func TestDisassembleRegisterSample(t *testing.T) {
	isolate(t)
	out, errOut, code := runCLI(t, "dis", "-engine", "register", "-sample", "fib")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"; Agim register unit: fib", "=== fib ===", "CALL", "GETGLOBAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "state.cbor")
	if _, errOut, code := runCLI(t, "run", "-sample", "fib", "-n", "12", "-checkpoint", path); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := wire.UnmarshalCheckpoint(data)
	if err != nil {
		t.Fatal(err)
	}
	if c.Source != "fib" || len(c.Globals) != 0 {
		t.Errorf("checkpoint = %+v, want no data globals", c)
	}

	out, errOut, code := runCLI(t, "run", "-sample", "fib", "-n", "12", "-restore", path)
	if code != 0 || strings.TrimSpace(out) != "144" {
		t.Errorf("restored run = %q (exit %d: %s)", out, code, errOut)
	}
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		args []string
		code int
	}{
		{nil, 2},
		{[]string{"frobnicate"}, 2},
		{[]string{"run", "-sample", "nope"}, 1},
		{[]string{"run", "-engine", "jit"}, 1},
		{[]string{"run", "missing.agimc"}, 1},
		{[]string{"help"}, 0},
	}
	for _, tt := range tests {
		if _, _, code := runCLI(t, tt.args...); code != tt.code {
			t.Errorf("agim %v exit = %d, want %d", tt.args, code, tt.code)
		}
	}
}
