package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gridq/internal/queue"
	logx "gridq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.meta.json                  (start id per queue)
//   - <prefix>.<queue>.jobs.json          (job dump snapshot)
//   - <prefix>.<queue>.tokens.<kind>.json (token table snapshot)
//
// Snapshots are written whole, via temp file and rename, so a crash mid
// write never leaves a torn file behind.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string

	meta map[string]uint32
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, prefix: prefix, meta: map[string]uint32{}}
	if err := readSnapshot(st.metaPath(), &st.meta); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) metaPath() string { return s.prefix + ".meta.json" }

func (s *fileStore) jobsPath(q string) string { return s.prefix + "." + q + ".jobs.json" }

func (s *fileStore) tokensPath(q, kind string) string {
	return s.prefix + "." + q + ".tokens." + kind + ".json"
}

func (s *fileStore) JobsStartID(q string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[q], nil
}

func (s *fileStore) SetJobsStartID(q string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[q] = id
	return writeSnapshot(s.metaPath(), s.meta)
}

func (s *fileStore) WriteJobs(q string, jobs []queue.JobDump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSnapshot(s.jobsPath(q), jobs)
}

func (s *fileStore) ReadJobs(q string) ([]queue.JobDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.JobDump
	if err := readSnapshot(s.jobsPath(q), &out); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *fileStore) WriteTokens(q, kind string, entries []queue.TokenEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSnapshot(s.tokensPath(q, kind), entries)
}

func (s *fileStore) ReadTokens(q, kind string) ([]queue.TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.TokenEntry
	if err := readSnapshot(s.tokensPath(q, kind), &out); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSnapshot(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}
