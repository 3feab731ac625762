package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pevans/wpharvest/logger"
)

// ErrCorrupt is returned by Read when a dataset file exists but does not
// hold a JSON array of articles.
var ErrCorrupt = errors.New("dataset file is corrupt")

// FileSuffix is appended to the sanitized site name to form the file name.
const FileSuffix = "_articles_dataset.json"

// Store reads and writes per-site dataset files under one directory.
type Store struct {
	dir string
	log logger.Logger

	// Swapped in tests to simulate failed writes and fix timestamps.
	fsync   func(*os.File) error
	syncDir func(dir string) error
	now     func() time.Time
}

// NewStore creates a store rooted at dir. The directory is created on the
// first save.
func NewStore(dir string, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		dir:     dir,
		log:     log,
		fsync:   (*os.File).Sync,
		syncDir: syncDir,
		now:     time.Now,
	}
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the dataset file path for a site.
func (s *Store) PathFor(siteName string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(siteName, ".", "_")+FileSuffix)
}

// Read loads the dataset at path. A missing file returns an error matching
// os.ErrNotExist; unparsable content returns ErrCorrupt.
func (s *Store) Read(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var articles []Article
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return nil, fmt.Errorf("%w: %s: not a JSON array", ErrCorrupt, path)
	}
	if err := json.Unmarshal(data, &articles); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return &Dataset{Articles: articles}, nil
}

// Load returns the dataset at path, or an empty one if the file is absent,
// unreadable or corrupt. Problems are logged, never returned. A corrupt file
// is renamed aside so the next save cannot destroy it. Duplicate ids in the
// file are collapsed, keeping the first.
func (s *Store) Load(path string) *Dataset {
	d, err := s.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Info("no existing dataset", logger.String("path", path))
		return &Dataset{}
	case errors.Is(err, ErrCorrupt):
		fields := []logger.Field{logger.String("path", path), logger.Error(err)}
		if aside, qerr := s.quarantine(path); qerr != nil {
			fields = append(fields, logger.String("quarantine_error", qerr.Error()))
		} else {
			fields = append(fields, logger.String("moved_to", aside))
		}
		s.log.Warn("ignoring unusable dataset", fields...)
		return &Dataset{}
	case err != nil:
		s.log.Warn("ignoring unusable dataset", logger.String("path", path), logger.Error(err))
		return &Dataset{}
	}

	deduped, _ := Merge(nil, d.Articles)
	if dropped := d.Len() - deduped.Len(); dropped > 0 {
		s.log.Warn("dataset contained duplicate ids",
			logger.String("path", path),
			logger.Int("dropped", dropped),
		)
		return deduped
	}

	s.log.Debug("loaded dataset", logger.String("path", path), logger.Int("articles", d.Len()))
	return d
}

// quarantine renames a corrupt dataset to <path>.corrupt-<timestamp>.
func (s *Store) quarantine(path string) (string, error) {
	aside := path + ".corrupt-" + s.now().UTC().Format("20060102T150405.000000000Z")
	if err := os.Rename(path, aside); err != nil {
		return "", fmt.Errorf("failed to move corrupt dataset aside: %w", err)
	}
	return aside, nil
}

// Save sorts the dataset by date and writes it to path atomically: the
// content goes to a temporary file in the same directory which is synced
// and then renamed over path.
func (s *Store) Save(path string, d *Dataset) error {
	d.Sort()

	articles := d.Articles
	if articles == nil {
		articles = []Article{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(articles); err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	if err := s.writeAtomic(path, buf.Bytes()); err != nil {
		return err
	}

	s.log.Info("saved dataset", logger.String("path", path), logger.Int("articles", len(articles)))
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)

	// 0700: owner-only access
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// CreateTemp opens with 0600
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err = s.fsync(tmp); err != nil {
		return fmt.Errorf("failed to sync dataset: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close dataset: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace dataset: %w", err)
	}

	// The new content is in place; only the rename's durability is in doubt.
	if serr := s.syncDir(dir); serr != nil {
		s.log.Warn("dataset saved but directory sync failed",
			logger.String("path", path),
			logger.Error(serr),
		)
	}
	return nil
}

// syncDir makes the rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync data directory: %w", err)
	}
	return nil
}
