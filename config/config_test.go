package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agim-lang/agim/heap"
)

func write(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := write(t, t.TempDir(), `
[heap]
initial_size = 4096
max_size = 1048576
generational = true

[vm]
engine = "register"
reductions = 500
trace = true

[mailbox]
max_size = 64

[log]
verbosity = 2
file = "agim.log"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Heap.InitialSize != 4096 || c.Heap.MaxSize != 1<<20 || !c.Heap.Generational {
		t.Errorf("heap = %+v", c.Heap)
	}
	if c.Heap.StepBudget != heap.DefaultStepBudget {
		t.Errorf("heap step_budget = %d, want default %d", c.Heap.StepBudget, heap.DefaultStepBudget)
	}
	if c.VM.Engine != EngineRegister || c.VM.Reductions != 500 || !c.VM.Trace {
		t.Errorf("vm = %+v", c.VM)
	}
	if c.VM.MaxFrames != Default().VM.MaxFrames {
		t.Errorf("vm max_frames = %d, want default", c.VM.MaxFrames)
	}
	if c.Mailbox.MaxSize != 64 {
		t.Errorf("mailbox max_size = %d, want 64", c.Mailbox.MaxSize)
	}
	if c.Log.Verbosity != 2 || c.Log.File != "agim.log" {
		t.Errorf("log = %+v", c.Log)
	}
	if c.Dir != filepath.Dir(path) {
		t.Errorf("Dir = %q, want %q", c.Dir, filepath.Dir(path))
	}
	if len(c.VMOptions()) != 4 || len(c.RegisterOptions()) != 4 {
		t.Errorf("options = %d/%d, want 4 each", len(c.VMOptions()), len(c.RegisterOptions()))
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown engine", "[vm]\nengine = \"jit\"\n"},
		{"zero reductions", "[vm]\nreductions = -1\n"},
		{"max below initial", "[heap]\ninitial_size = 4096\nmax_size = 1024\n"},
		{"negative mailbox", "[mailbox]\nmax_size = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, t.TempDir(), tt.content))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadParseError(t *testing.T) {
	_, err := Load(write(t, t.TempDir(), "[vm\n"))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("Load() = %v, want parse error", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() = %v, want not-exist error", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	write(t, root, "[vm]\nreductions = 42\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, found, err := FindAndLoad(nested)
	if err != nil || !found {
		t.Fatalf("FindAndLoad() = %v, %v", found, err)
	}
	if c.VM.Reductions != 42 {
		t.Errorf("reductions = %d, want 42", c.VM.Reductions)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, found, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// A parent of the temp dir could hold an agim.toml; only check the
	// default path when nothing was found.
	if !found && c.VM.Engine != EngineStack {
		t.Errorf("default engine = %q, want %q", c.VM.Engine, EngineStack)
	}
}
