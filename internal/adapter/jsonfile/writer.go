// Package jsonfile writes and reads history datasets as static JSON files, the
// layout consumed by the dashboard maps and charts.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/samber/lo"
)

// StateDir is the subdirectory holding the per-state county files.
const StateDir = "state"

// Writer implements pipeline.BatchLoader by writing one file per level, plus
// one file per state for the county level.
type Writer struct {
	dir    string
	indent bool
	logger *slog.Logger
}

// NewWriter creates a Writer rooted at dir. Indented output is easier to diff
// but several times larger.
func NewWriter(dir string, indent bool, logger *slog.Logger) *Writer {
	return &Writer{dir: dir, indent: indent, logger: logger}
}

// LevelPath returns the dataset file of a level under dir.
func LevelPath(dir string, level domain.Level) string {
	return filepath.Join(dir, string(level)+"-history.json")
}

// StatePath returns the county file of one state under dir.
func StatePath(dir, state string) string {
	return filepath.Join(dir, StateDir, strings.ToUpper(state)+"-history.json")
}

// LoadBatch writes the batch as a dataset file. Existing files are replaced
// atomically.
func (w *Writer) LoadBatch(ctx context.Context, batch domain.HistoryBatch) error {
	if len(batch.Histories) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := LevelPath(w.dir, batch.Level)
	if err := w.writeDataset(path, batch, batch.Histories); err != nil {
		return err
	}

	if batch.Level == domain.LevelCounty {
		byState := lo.GroupBy(batch.Histories, func(h domain.RegionHistory) string { return h.State })
		for state, histories := range byState {
			if state == "" {
				continue
			}
			if err := w.writeDataset(StatePath(w.dir, state), batch, histories); err != nil {
				return err
			}
		}
	}

	w.logger.Debug("history files written", "level", batch.Level, "path", path, "regions", len(batch.Histories))
	return nil
}

func (w *Writer) writeDataset(path string, batch domain.HistoryBatch, histories []domain.RegionHistory) error {
	ds := domain.Dataset{
		Level: batch.Level,
		Date:  batch.Date,
		Dates: batch.Dates,
		Data:  lo.KeyBy(histories, func(h domain.RegionHistory) string { return h.FIPS }),
	}
	if err := writeJSON(path, ds, w.indent); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadDataset reads a dataset file written by Writer.
func ReadDataset(path string) (domain.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Dataset{}, err
	}
	var ds domain.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return domain.Dataset{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return ds, nil
}

func writeJSON(path string, v any, indent bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".history-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
