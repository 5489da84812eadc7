// ABOUTME: Filesystem CheckpointManager: one data file plus one metadata file per checkpoint, keyed by session, stage, and time.
// ABOUTME: Save/Load/List/Delete with schema-validated loading and ErrNotFound/ErrCorrupt error kinds.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389-research/prowzi/internal/fsutil"
	"github.com/2389-research/prowzi/pipeline"
)

var (
	// ErrNotFound is returned when no checkpoint exists for an id.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a stored checkpoint fails validation.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// PreviewLength is the number of prompt runes kept in checkpoint metadata.
const PreviewLength = 500

// idTimeLayout is the timestamp component of checkpoint ids (UTC, "Z" appended).
const idTimeLayout = "20060102T150405.000000000"

const (
	dataSuffix = ".json"
	metaSuffix = ".meta.json"
)

// Metadata describes a checkpoint without its context payload.
type Metadata struct {
	CheckpointID string                           `json:"checkpoint_id"`
	SessionID    string                           `json:"session_id"`
	Stage        string                           `json:"stage"`
	CreatedAt    time.Time                        `json:"created_at"`
	InputPreview string                           `json:"input_preview"`
	StageMetrics map[string]pipeline.StageMetrics `json:"stage_metrics"`
}

// Record is a loaded checkpoint: its metadata and the restored context.
type Record struct {
	Metadata
	Context *pipeline.StageContext
}

// document is the on-disk form of the checkpoint data file.
type document struct {
	Version      int               `json:"version"`
	CheckpointID string            `json:"checkpoint_id"`
	SessionID    string            `json:"session_id"`
	Stage        string            `json:"stage"`
	CreatedAt    time.Time         `json:"created_at"`
	Context      pipeline.Snapshot `json:"context"`
}

// Index mirrors checkpoint metadata into a queryable store.
type Index interface {
	UpsertCheckpoint(meta Metadata) error
	DeleteCheckpoint(id string) error
}

// Manager stores checkpoints as files under a single directory. Distinct
// sessions never share file names, so concurrent runs need no locking.
type Manager struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
	index  Index
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIndex mirrors saves and deletes into idx.
func WithIndex(idx Index) Option {
	return func(m *Manager) { m.index = idx }
}

// NewManager creates a manager rooted at dir, creating the directory.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("checkpoint dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	m := &Manager{
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the directory holding checkpoint files.
func (m *Manager) Dir() string { return m.dir }

// Save writes a checkpoint of sc taken after stage succeeded and returns its id.
func (m *Manager) Save(sessionID, stage string, sc *pipeline.StageContext) (string, error) {
	if sessionID == "" || stage == "" {
		return "", errors.New("session id and stage are required")
	}
	if sc == nil {
		return "", errors.New("nil stage context")
	}
	snap := sc.Snapshot()
	if snap.SessionID != sessionID {
		return "", fmt.Errorf("context belongs to session %q, not %q", snap.SessionID, sessionID)
	}

	createdAt := m.now().UTC()
	id := GenerateID(sessionID, stage, createdAt)
	for m.exists(id) {
		createdAt = createdAt.Add(time.Nanosecond)
		id = GenerateID(sessionID, stage, createdAt)
	}

	doc := document{
		Version:      formatVersion,
		CheckpointID: id,
		SessionID:    sessionID,
		Stage:        stage,
		CreatedAt:    createdAt,
		Context:      snap,
	}
	if err := fsutil.WriteJSONAtomic(m.dataPath(id), doc); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", id, err)
	}

	meta := Metadata{
		CheckpointID: id,
		SessionID:    sessionID,
		Stage:        stage,
		CreatedAt:    createdAt,
		InputPreview: snap.Input.Preview(PreviewLength),
		StageMetrics: snap.Metrics,
	}
	if err := fsutil.WriteJSONAtomic(m.metaPath(id), meta); err != nil {
		os.Remove(m.dataPath(id))
		return "", fmt.Errorf("write checkpoint metadata %s: %w", id, err)
	}

	if m.index != nil {
		if err := m.index.UpsertCheckpoint(meta); err != nil {
			m.logger.Warn("checkpoint index update failed", "checkpoint", id, "error", err)
		}
	}
	return id, nil
}

// Load reads and validates a checkpoint and restores its context.
func (m *Manager) Load(id string) (*Record, error) {
	if !fsutil.ValidName(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(m.dataPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	if err := validateDocument(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if doc.CheckpointID != id {
		return nil, fmt.Errorf("%w: %s: document claims id %q", ErrCorrupt, id, doc.CheckpointID)
	}
	if doc.Context.SessionID != doc.SessionID {
		return nil, fmt.Errorf("%w: %s: context session %q does not match %q", ErrCorrupt, id, doc.Context.SessionID, doc.SessionID)
	}

	sc, err := pipeline.Restore(doc.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}

	return &Record{
		Metadata: Metadata{
			CheckpointID: doc.CheckpointID,
			SessionID:    doc.SessionID,
			Stage:        doc.Stage,
			CreatedAt:    doc.CreatedAt,
			InputPreview: doc.Context.Input.Preview(PreviewLength),
			StageMetrics: doc.Context.Metrics,
		},
		Context: sc,
	}, nil
}

// List returns checkpoint metadata newest first. An empty sessionID lists
// every session. Unreadable metadata files are skipped with a warning.
func (m *Manager) List(sessionID string) ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []Metadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMetadata(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint metadata", "file", name, "error", err)
			continue
		}
		if sessionID != "" && meta.SessionID != sessionID {
			continue
		}
		out = append(out, *meta)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CheckpointID > out[j].CheckpointID
	})
	return out, nil
}

// Latest returns the newest checkpoint metadata for a session.
func (m *Manager) Latest(sessionID string) (*Metadata, error) {
	list, err := m.List(sessionID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for session %q", ErrNotFound, sessionID)
	}
	return &list[0], nil
}

// Delete removes a checkpoint's files. It reports whether anything existed.
func (m *Manager) Delete(id string) (bool, error) {
	if !fsutil.ValidName(id) {
		return false, nil
	}
	removed := false
	for _, path := range []string{m.dataPath(id), m.metaPath(id)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return removed, fmt.Errorf("delete checkpoint %s: %w", id, err)
		}
	}
	if removed && m.index != nil {
		if err := m.index.DeleteCheckpoint(id); err != nil {
			m.logger.Warn("checkpoint index delete failed", "checkpoint", id, "error", err)
		}
	}
	return removed, nil
}

// GenerateID derives a checkpoint id from session, stage, and creation time.
func GenerateID(sessionID, stage string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%sZ",
		fsutil.SanitizeName(sessionID),
		fsutil.SanitizeName(stage),
		at.UTC().Format(idTimeLayout))
}

func (m *Manager) exists(id string) bool {
	_, err := os.Stat(m.dataPath(id))
	return err == nil
}

func (m *Manager) dataPath(id string) string {
	return filepath.Join(m.dir, id+dataSuffix)
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.dir, id+metaSuffix)
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.CheckpointID == "" || meta.SessionID == "" {
		return nil, errors.New("missing checkpoint or session id")
	}
	return &meta, nil
}
