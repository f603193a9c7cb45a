package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/tidwall/buntdb"
)

const (
	// CountyStateIndex orders county histories by state abbreviation.
	CountyStateIndex = "county_state"

	lastUpdateKey = "meta:last_update"
)

// ErrNotFound is returned when a level, region, or run has not been stored yet.
var ErrNotFound = domain.ErrNotFound

// Config holds configuration options for the store.
type Config struct {
	SyncPolicy buntdb.SyncPolicy
}

// DefaultConfig syncs file-backed stores once per second.
func DefaultConfig() Config {
	return Config{SyncPolicy: buntdb.EverySecond}
}

// Store keeps the latest dataset of every level in an embedded BuntDB.
// It implements pipeline.BatchLoader and pipeline.Checkpoint.
type Store struct {
	db     *buntdb.DB
	logger *slog.Logger
}

// datasetMeta is the value stored under dates:<level>.
type datasetMeta struct {
	RunID string   `json:"run_id"`
	Date  string   `json:"date"`
	Dates []string `json:"dates"`
}

// Open opens path, or an in-memory database when path is ":memory:".
func Open(path string, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{SyncPolicy: cfg.SyncPolicy}); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure buntdb: %w", err)
	}

	if err := db.CreateIndex(CountyStateIndex, historyKey(domain.LevelCounty, "*"), buntdb.IndexJSON("state")); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index %s: %w", CountyStateIndex, err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func historyKey(level domain.Level, id string) string {
	return "history:" + string(level) + ":" + id
}

func datesKey(level domain.Level) string {
	return "dates:" + string(level)
}

// LoadBatch replaces the dataset of the batch level in one transaction. A
// batch older than the stored dataset of its level is skipped, so a backfill
// never replaces newer data. The last update record is left to Commit.
func (s *Store) LoadBatch(_ context.Context, batch domain.HistoryBatch) error {
	meta, err := json.Marshal(datasetMeta{RunID: batch.RunID, Date: batch.Date, Dates: batch.Dates})
	if err != nil {
		return fmt.Errorf("marshal dataset meta: %w", err)
	}

	var newer string
	err = s.db.Update(func(tx *buntdb.Tx) error {
		current, err := storedDate(tx, batch.Level)
		if err != nil {
			return err
		}
		if current > batch.Date {
			newer = current
			return nil
		}

		var stale []string
		prefix := historyKey(batch.Level, "")
		err = tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			stale = append(stale, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}

		for i := range batch.Histories {
			h := batch.Histories[i]
			content, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("marshal history %s: %w", h.FIPS, err)
			}
			if _, _, err := tx.Set(historyKey(batch.Level, h.FIPS), string(content), nil); err != nil {
				return fmt.Errorf("store history %s: %w", h.FIPS, err)
			}
		}

		if _, _, err := tx.Set(datesKey(batch.Level), string(meta), nil); err != nil {
			return fmt.Errorf("store dataset meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %s batch: %w", batch.Level, err)
	}

	if newer != "" {
		s.logger.Info("older dataset not stored",
			"level", batch.Level,
			"date", batch.Date,
			"stored_date", newer,
		)
		return nil
	}
	s.logger.Debug("dataset stored", "level", batch.Level, "date", batch.Date, "regions", len(batch.Histories))
	return nil
}

// storedDate returns the data date of the stored dataset of level, or "".
func storedDate(tx *buntdb.Tx, level domain.Level) (string, error) {
	raw, err := tx.Get(datesKey(level))
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var meta datasetMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return "", fmt.Errorf("decode dataset meta: %w", err)
	}
	return meta.Date, nil
}

// Commit records a completed run. It never moves the last update back to an
// older data date, so a backfill of an old date leaves it untouched.
func (s *Store) Commit(_ context.Context, lu domain.LastUpdate) error {
	content, err := json.Marshal(lu)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		if raw, err := tx.Get(lastUpdateKey); err == nil {
			var current domain.LastUpdate
			if json.Unmarshal([]byte(raw), &current) == nil && current.Date > lu.Date {
				return nil
			}
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err := tx.Set(lastUpdateKey, string(content), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit last update: %w", err)
	}
	return nil
}

// History returns the stored history of one region.
func (s *Store) History(_ context.Context, level domain.Level, id string) (domain.RegionHistory, error) {
	var h domain.RegionHistory
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(historyKey(level, id))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &h)
	})
	if err != nil {
		return domain.RegionHistory{}, notFound(err, "history %s:%s", level, id)
	}
	return h, nil
}

// Dates returns the dataset date list of one level.
func (s *Store) Dates(_ context.Context, level domain.Level) ([]string, error) {
	var meta datasetMeta
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(datesKey(level))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &meta)
	})
	if err != nil {
		return nil, notFound(err, "dataset %s", level)
	}
	return meta.Dates, nil
}

// Dataset returns every stored history of one level with its dates.
func (s *Store) Dataset(_ context.Context, level domain.Level) (domain.Dataset, error) {
	ds := domain.Dataset{Level: level, Data: make(map[string]domain.RegionHistory)}
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(datesKey(level))
		if err != nil {
			return err
		}
		var meta datasetMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return err
		}
		ds.Date, ds.Dates = meta.Date, meta.Dates

		prefix := historyKey(level, "")
		var decodeErr error
		err = tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var h domain.RegionHistory
			if err := json.Unmarshal([]byte(value), &h); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			ds.Data[strings.TrimPrefix(key, prefix)] = h
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return domain.Dataset{}, notFound(err, "dataset %s", level)
	}
	return ds, nil
}

// CountiesByState returns the county histories of one state, ordered by FIPS.
func (s *Store) CountiesByState(_ context.Context, state string) ([]domain.RegionHistory, error) {
	pivot, err := json.Marshal(map[string]string{"state": strings.ToUpper(state)})
	if err != nil {
		return nil, err
	}

	var out []domain.RegionHistory
	err = s.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendEqual(CountyStateIndex, string(pivot), func(key, value string) bool {
			var h domain.RegionHistory
			if err := json.Unmarshal([]byte(value), &h); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			out = append(out, h)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, fmt.Errorf("counties of %s: %w", state, err)
	}
	return out, nil
}

// LastUpdate returns the record of the most recent stored run.
func (s *Store) LastUpdate(_ context.Context) (domain.LastUpdate, error) {
	var lu domain.LastUpdate
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(lastUpdateKey)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &lu)
	})
	if err != nil {
		return domain.LastUpdate{}, notFound(err, "last update")
	}
	return lu, nil
}

// notFound maps buntdb misses onto ErrNotFound.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
