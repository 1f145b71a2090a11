// Package state persists the scheduler snapshot and the observer command
// queue under the state directory.
//
// The snapshot has a single writer (the scheduler) and is replaced
// atomically, so readers never take a lock. The command file has many
// writers and one drainer; every read-modify-write on it runs under an
// in-process mutex and an exclusive flock on commands.lock.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/atomicfile"
	"github.com/msageha/exprun/internal/lock"
	"github.com/msageha/exprun/internal/model"
)

const (
	StateFileName     = "scheduler_state.json"
	CommandsFileName  = "commands.json"
	CommandsLockName  = "commands.lock"
	SchedulerLockName = "scheduler.lock"
	HistoryFileName   = "history.db"
	LogsDirName       = "logs"
)

// commandMutexes serializes command file access between Stores of the same
// process. flock alone is per open file description.
var commandMutexes = lock.NewMutexMap()

type Store struct {
	dir    string
	logger zerolog.Logger
}

// Open prepares dir (normally <base_experiment_dir>/.exp_state) and returns a Store over it.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) StatePath() string    { return filepath.Join(s.dir, StateFileName) }
func (s *Store) CommandsPath() string { return filepath.Join(s.dir, CommandsFileName) }
func (s *Store) HistoryPath() string  { return filepath.Join(s.dir, HistoryFileName) }

// SchedulerLock returns the ownership lock that keeps one scheduler per state dir.
func (s *Store) SchedulerLock() *lock.FileLock {
	return lock.NewFileLock(filepath.Join(s.dir, SchedulerLockName))
}

// WriteState atomically replaces the snapshot file.
func (s *Store) WriteState(snap model.Snapshot) error {
	if err := atomicfile.WriteJSON(s.StatePath(), snap); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// LoadState returns the last snapshot. A missing file yields an empty
// snapshot; a corrupt one is quarantined and also read as empty.
func (s *Store) LoadState() (model.Snapshot, error) {
	var snap model.Snapshot
	err := atomicfile.ReadJSON(s.StatePath(), &snap)
	switch {
	case err == nil:
		normalizeSnapshot(&snap)
		return snap, nil
	case errors.Is(err, os.ErrNotExist):
		return emptySnapshot(), nil
	case isCorrupt(err):
		s.quarantine(s.StatePath(), err)
		return emptySnapshot(), nil
	default:
		return model.Snapshot{}, fmt.Errorf("read state: %w", err)
	}
}

// EnqueueCommand appends cmd to the command file.
func (s *Store) EnqueueCommand(cmd model.Command) error {
	return s.withCommandLock(func() error {
		cmds, err := s.readCommandsLocked()
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
		if err := atomicfile.WriteJSON(s.CommandsPath(), cmds); err != nil {
			return fmt.Errorf("write commands: %w", err)
		}
		return nil
	})
}

// ConsumeCommands reads and clears the whole command queue in one critical
// section. The file is only rewritten when it held something.
func (s *Store) ConsumeCommands() ([]model.Command, error) {
	var out []model.Command
	err := s.withCommandLock(func() error {
		cmds, err := s.readCommandsLocked()
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return nil
		}
		if err := atomicfile.WriteJSON(s.CommandsPath(), []model.Command{}); err != nil {
			return fmt.Errorf("clear commands: %w", err)
		}
		out = cmds
		return nil
	})
	return out, err
}

// PendingCommands returns the queued commands without consuming them.
func (s *Store) PendingCommands() ([]model.Command, error) {
	var out []model.Command
	err := s.withCommandLock(func() error {
		cmds, err := s.readCommandsLocked()
		out = cmds
		return err
	})
	return out, err
}

func (s *Store) withCommandLock(fn func() error) error {
	key := s.CommandsPath()
	commandMutexes.Lock(key)
	defer commandMutexes.Unlock(key)

	fl := lock.NewFileLock(filepath.Join(s.dir, CommandsLockName))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock commands: %w", err)
	}
	defer fl.Unlock()

	return fn()
}

// readCommandsLocked decodes the command file entry by entry so one bad
// entry does not discard its neighbours.
func (s *Store) readCommandsLocked() ([]model.Command, error) {
	var raw []json.RawMessage
	err := atomicfile.ReadJSON(s.CommandsPath(), &raw)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case isCorrupt(err):
		s.quarantine(s.CommandsPath(), err)
		return nil, nil
	default:
		return nil, fmt.Errorf("read commands: %w", err)
	}

	cmds := make([]model.Command, 0, len(raw))
	for i, r := range raw {
		var c model.Command
		if err := json.Unmarshal(r, &c); err != nil {
			s.logger.Warn().Int("index", i).Err(err).Msg("command_entry_invalid")
			continue
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

func (s *Store) quarantine(path string, cause error) {
	dest, err := atomicfile.Quarantine(s.dir, path)
	if err != nil {
		s.logger.Warn().Str("file", filepath.Base(path)).Err(err).Msg("quarantine_failed")
		return
	}
	s.logger.Warn().Str("file", filepath.Base(path)).Str("moved_to", dest).AnErr("cause", cause).Msg("corrupt_file_quarantined")
}

func isCorrupt(err error) bool {
	var ce *atomicfile.CorruptError
	return errors.As(err, &ce)
}

func emptySnapshot() model.Snapshot {
	snap := model.Snapshot{}
	normalizeSnapshot(&snap)
	return snap
}

func normalizeSnapshot(snap *model.Snapshot) {
	if snap.Pending == nil {
		snap.Pending = []model.TaskRecord{}
	}
	if snap.Running == nil {
		snap.Running = []model.TaskRecord{}
	}
	if snap.Finished == nil {
		snap.Finished = []model.TaskRecord{}
	}
	if snap.Errors == nil {
		snap.Errors = []model.TaskRecord{}
	}
}
