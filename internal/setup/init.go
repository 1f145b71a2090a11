// Package setup writes a starter experiments file and its output directory.
package setup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/atomicfile"
	"github.com/msageha/exprun/internal/model"
	"github.com/msageha/exprun/internal/plan"
	"github.com/msageha/exprun/internal/state"
	"github.com/msageha/exprun/templates"
)

// DefaultBaseDir is the output directory written into a fresh config.
const DefaultBaseDir = "runs"

// Result reports what Run created.
type Result struct {
	ConfigPath string
	BaseDir    string
	StateDir   string
}

// Run writes experiments.yaml into projectDir and prepares the output tree.
// baseDir defaults to DefaultBaseDir and is relative to projectDir.
// An existing config is never overwritten.
func Run(projectDir, baseDir string) (Result, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve project dir: %w", err)
	}
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}

	configPath := filepath.Join(absDir, templates.ConfigName)
	if _, err := os.Stat(configPath); err == nil {
		return Result{}, fmt.Errorf("%s already exists", configPath)
	}

	content, err := renderConfig(baseDir)
	if err != nil {
		return Result{}, err
	}

	// Validate before writing so a broken template never lands on disk.
	p, err := plan.Parse(content, absDir, configPath)
	if err != nil {
		return Result{}, fmt.Errorf("starter config: %w", err)
	}

	dirs := []string{
		p.BaseDir,
		p.StateDir(),
		filepath.Join(p.StateDir(), state.LogsDirName),
		filepath.Join(p.StateDir(), atomicfile.QuarantineDirName),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return Result{}, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", configPath, err)
	}

	store, err := state.Open(p.StateDir(), zerolog.Nop())
	if err != nil {
		return Result{}, err
	}
	if err := store.WriteState(model.EmptySnapshot(time.Now())); err != nil {
		return Result{}, fmt.Errorf("write initial state: %w", err)
	}
	if err := atomicfile.WriteJSON(store.CommandsPath(), []model.Command{}); err != nil {
		return Result{}, fmt.Errorf("write command file: %w", err)
	}

	return Result{ConfigPath: configPath, BaseDir: p.BaseDir, StateDir: p.StateDir()}, nil
}

func renderConfig(baseDir string) ([]byte, error) {
	data, err := templates.FS.ReadFile(templates.ConfigName)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", templates.ConfigName, err)
	}
	return bytes.ReplaceAll(data, []byte("{{BASE_DIR}}"), []byte(filepath.ToSlash(baseDir))), nil
}
