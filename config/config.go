// Package config handles agim.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/agim-lang/agim/heap"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/vm"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "agim.toml"

// Engines accepted in [vm] engine.
const (
	EngineStack    = "stack"
	EngineRegister = "register"
)

var ErrInvalid = errors.New("invalid configuration")

// Config represents an agim.toml file.
type Config struct {
	Heap    heap.Config   `toml:"heap"`
	VM      VMConfig      `toml:"vm"`
	Mailbox MailboxConfig `toml:"mailbox"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the agim.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig bounds every VM a block runs.
type VMConfig struct {
	Engine     string `toml:"engine"`
	Reductions int    `toml:"reductions"`
	MaxStack   int    `toml:"max_stack"`
	MaxFrames  int    `toml:"max_frames"`
	Trace      bool   `toml:"trace"`
}

// MailboxConfig limits block mailboxes.
type MailboxConfig struct {
	// MaxSize is the number of queued messages past which sends fail.
	// Zero means unbounded.
	MaxSize int `toml:"max_size"`
}

// LogConfig configures the tool's log backend.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no agim.toml is present.
func Default() Config {
	return Config{
		Heap: heap.DefaultConfig(),
		VM: VMConfig{
			Engine:     EngineStack,
			Reductions: vm.DefaultReductions,
			MaxStack:   vm.DefaultMaxStack,
			MaxFrames:  vm.DefaultMaxFrames,
		},
		Mailbox: MailboxConfig{MaxSize: 10000},
		Log:     LogConfig{Verbosity: 1},
	}
}

// Load parses path on top of Default. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if c.Dir, err = filepath.Abs(filepath.Dir(path)); err != nil {
		return c, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.Heap = c.Heap.WithDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an agim.toml file and loads
// it. found is false, with the default configuration, when there is none.
func FindAndLoad(startDir string) (c Config, found bool, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Default(), false, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			c, err := Load(path)
			return c, true, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), false, nil
		}
		dir = parent
	}
}

// Validate reports settings no VM or heap can run with.
func (c Config) Validate() error {
	switch c.VM.Engine {
	case EngineStack, EngineRegister:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalid, c.VM.Engine)
	}
	if c.VM.Reductions <= 0 {
		return fmt.Errorf("%w: reductions must be positive", ErrInvalid)
	}
	if c.Heap.MaxSize > 0 && c.Heap.MaxSize < c.Heap.InitialSize {
		return fmt.Errorf("%w: heap max_size below initial_size", ErrInvalid)
	}
	if c.Mailbox.MaxSize < 0 {
		return fmt.Errorf("%w: negative mailbox max_size", ErrInvalid)
	}
	return nil
}

// VMOptions returns the stack VM options the configuration selects.
func (c Config) VMOptions() []vm.Option {
	return []vm.Option{
		vm.WithReductions(c.VM.Reductions),
		vm.WithMaxStack(c.VM.MaxStack),
		vm.WithMaxFrames(c.VM.MaxFrames),
		vm.WithTrace(c.VM.Trace),
	}
}

// RegisterOptions returns the register VM options the configuration
// selects. MaxStack bounds the register file.
func (c Config) RegisterOptions() []regvm.Option {
	return []regvm.Option{
		regvm.WithReductions(c.VM.Reductions),
		regvm.WithMaxRegisters(c.VM.MaxStack),
		regvm.WithMaxFrames(c.VM.MaxFrames),
		regvm.WithTrace(c.VM.Trace),
	}
}
