// Package observer reads scheduler state from disk and submits commands
// through the command file. It never talks to the scheduler directly.
package observer

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/exprun/internal/experiment"
	"github.com/msageha/exprun/internal/history"
	"github.com/msageha/exprun/internal/model"
	"github.com/msageha/exprun/internal/state"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrFileNotFound   = errors.New("file not found")
	ErrInvalidCommand = errors.New("invalid command")
	ErrNoHistory      = errors.New("history is disabled")
)

const (
	DefaultLogTail     = 200
	MaxLogTail         = 5000
	DefaultMetricLimit = 200
	previewRows        = 5
)

// Section names the snapshot queue a task was found in.
type Section string

const (
	SectionPending  Section = "pending"
	SectionRunning  Section = "running"
	SectionFinished Section = "finished"
	SectionErrors   Section = "errors"
)

type LogFile struct {
	Name      string `json:"name"`
	RunID     string `json:"run_id"`
	Size      int64  `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

type MetricPreview struct {
	Name    string              `json:"name"`
	Rows    int                 `json:"rows"`
	Columns []string            `json:"columns"`
	Sample  []map[string]string `json:"sample"`
}

type TaskDetails struct {
	Section             Section          `json:"section"`
	Task                model.TaskRecord `json:"task"`
	Metadata            json.RawMessage  `json:"metadata"`
	WorkDirExists       bool             `json:"work_dir_exists"`
	ExperimentTimestamp string           `json:"experiment_timestamp,omitempty"`
	TerminalLogs        []LogFile        `json:"terminal_logs"`
	Metrics             []MetricPreview  `json:"metrics"`
}

type LogTail struct {
	TaskID string   `json:"task_id"`
	RunID  string   `json:"run_id"`
	Path   string   `json:"path"`
	Lines  []string `json:"lines"`
}

// MetricData holds a CSV table or an arbitrary JSON document.
type MetricData struct {
	Type    string              `json:"type"`
	Columns []string            `json:"columns,omitempty"`
	Rows    []map[string]string `json:"rows,omitempty"`
	Data    any                 `json:"data,omitempty"`
}

type Session struct {
	store   *state.Store
	history *history.Store
	logger  zerolog.Logger
	now     func() time.Time
	group   singleflight.Group
}

func NewSession(store *state.Store, logger zerolog.Logger) *Session {
	return &Session{store: store, logger: logger, now: time.Now}
}

// SetHistory enables the history query. Must be called before serving.
func (s *Session) SetHistory(h *history.Store) {
	s.history = h
}

// State returns the latest snapshot. Concurrent callers share one read.
func (s *Session) State() (model.Snapshot, error) {
	v, err, _ := s.group.Do("state", func() (any, error) {
		return s.store.LoadState()
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	return v.(model.Snapshot), nil
}

func (s *Session) FindTask(id string) (Section, model.TaskRecord, error) {
	snap, err := s.State()
	if err != nil {
		return "", model.TaskRecord{}, err
	}
	sections := []struct {
		name    Section
		records []model.TaskRecord
	}{
		{SectionPending, snap.Pending},
		{SectionRunning, snap.Running},
		{SectionFinished, snap.Finished},
		{SectionErrors, snap.Errors},
	}
	for _, sec := range sections {
		for _, rec := range sec.records {
			if rec.ID == id {
				return sec.name, rec, nil
			}
		}
	}
	return "", model.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (s *Session) TaskDetails(id string) (TaskDetails, error) {
	section, rec, err := s.FindTask(id)
	if err != nil {
		return TaskDetails{}, err
	}
	details := TaskDetails{
		Section:      section,
		Task:         rec,
		TerminalLogs: []LogFile{},
		Metrics:      []MetricPreview{},
	}
	if rec.WorkDir == nil {
		return details, nil
	}
	workDir := *rec.WorkDir
	if fi, err := os.Stat(workDir); err == nil && fi.IsDir() {
		details.WorkDirExists = true
	}

	if data, err := os.ReadFile(filepath.Join(workDir, experiment.MetadataFileName)); err == nil && json.Valid(data) {
		details.Metadata = data
		var meta struct {
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(data, &meta) == nil {
			details.ExperimentTimestamp = meta.Timestamp
		}
	}
	if logs, err := listLogs(workDir); err == nil {
		details.TerminalLogs = logs
	}
	previews, err := previewMetrics(workDir)
	if err != nil {
		s.logger.Warn().Str("task", id).Err(err).Msg("metric_preview_failed")
	}
	details.Metrics = previews
	return details, nil
}

// ReadLog returns the last tail lines of a run log. An empty runID, or one
// without a log file, falls back to the recorded run and then the most
// recently updated log.
func (s *Session) ReadLog(id, runID string, tail int) (LogTail, error) {
	_, rec, err := s.FindTask(id)
	if err != nil {
		return LogTail{}, err
	}
	if rec.WorkDir == nil {
		return LogTail{}, fmt.Errorf("%w: task %s has no work directory yet", ErrFileNotFound, id)
	}
	if runID == "" && rec.RunID != nil {
		runID = *rec.RunID
	}
	path, err := resolveLogPath(*rec.WorkDir, runID)
	if err != nil {
		return LogTail{}, err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	tail = min(tail, MaxLogTail)
	lines, err := tailFile(path, tail)
	if err != nil {
		return LogTail{}, err
	}
	return LogTail{TaskID: id, RunID: runID, Path: path, Lines: lines}, nil
}

func (s *Session) ReadMetric(id, filename string, limit int) (MetricData, error) {
	_, rec, err := s.FindTask(id)
	if err != nil {
		return MetricData{}, err
	}
	if rec.WorkDir == nil {
		return MetricData{}, fmt.Errorf("%w: task %s has no work directory yet", ErrFileNotFound, id)
	}
	if filename == "" || filename != filepath.Base(filename) || filename == ".." {
		return MetricData{}, fmt.Errorf("%w: %q", ErrFileNotFound, filename)
	}
	path := filepath.Join(*rec.WorkDir, experiment.MetricsDir, filename)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return MetricData{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if limit <= 0 {
		limit = DefaultMetricLimit
	}

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		columns, rows, err := readCSV(path, limit)
		if err != nil {
			return MetricData{}, err
		}
		return MetricData{Type: "csv", Columns: columns, Rows: rows}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return MetricData{}, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return MetricData{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if list, ok := data.([]any); ok && len(list) > limit {
		data = list[:limit]
	}
	return MetricData{Type: "json", Data: data}, nil
}

// SendCommand appends a command to the command file. Actions the scheduler
// does not know are accepted here and ignored there.
func (s *Session) SendCommand(action model.Action, payload map[string]any) (model.Command, error) {
	if strings.TrimSpace(string(action)) == "" {
		return model.Command{}, fmt.Errorf("%w: action required", ErrInvalidCommand)
	}
	if !model.IsKnownAction(action) {
		s.logger.Warn().Str("action", string(action)).Msg("command_unknown_action_enqueued")
	}
	cmd := model.NewCommand(action, payload, s.now())
	if err := s.store.EnqueueCommand(cmd); err != nil {
		return model.Command{}, fmt.Errorf("enqueue command: %w", err)
	}
	s.logger.Info().Str("command", cmd.String()).Msg("command_enqueued")
	return cmd, nil
}

// PendingCommands lists commands the scheduler has not drained yet.
func (s *Session) PendingCommands() ([]model.Command, error) {
	return s.store.PendingCommands()
}

func (s *Session) History(ctx context.Context, limit int) ([]history.Run, error) {
	if s.history == nil {
		return nil, ErrNoHistory
	}
	return s.history.List(ctx, limit)
}

func listLogs(workDir string) ([]LogFile, error) {
	matches, err := filepath.Glob(filepath.Join(workDir, experiment.TerminalLogsDir, "*.log"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	logs := make([]LogFile, 0, len(matches))
	for _, p := range matches {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		name := filepath.Base(p)
		logs = append(logs, LogFile{
			Name:      name,
			RunID:     strings.TrimSuffix(name, ".log"),
			Size:      fi.Size(),
			UpdatedAt: model.FormatTimestamp(fi.ModTime()),
		})
	}
	return logs, nil
}

func resolveLogPath(workDir, runID string) (string, error) {
	dir := filepath.Join(workDir, experiment.TerminalLogsDir)
	if runID != "" && runID == filepath.Base(runID) {
		candidate := filepath.Join(dir, runID+".log")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	logs, err := listLogs(workDir)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("%w: no terminal logs in %s", ErrFileNotFound, dir)
	}
	latest := slices.MaxFunc(logs, func(a, b LogFile) int { return strings.Compare(a.UpdatedAt, b.UpdatedAt) })
	return filepath.Join(dir, latest.Name), nil
}

func tailFile(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	defer f.Close()

	ring := make([]string, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ring, nil
}

func previewMetrics(workDir string) ([]MetricPreview, error) {
	entries, err := os.ReadDir(filepath.Join(workDir, experiment.MetricsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []MetricPreview{}, nil
		}
		return []MetricPreview{}, err
	}
	previews := []MetricPreview{}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		path := filepath.Join(workDir, experiment.MetricsDir, e.Name())
		columns, sample, err := readCSV(path, previewRows)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows, err := countRows(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		previews = append(previews, MetricPreview{
			Name:    e.Name(),
			Rows:    max(rows-1, 0),
			Columns: columns,
			Sample:  sample,
		})
	}
	return previews, errors.Join(errs...)
}

// readCSV returns the header and up to limit records keyed by column.
func readCSV(path string, limit int) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []string{}, []map[string]string{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows := []map[string]string{}
	for len(rows) < limit {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func countRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
