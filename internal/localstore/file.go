package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "remindkit/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.queue.json    (schema-versioned queue document)
//   - <prefix>.declined.json (declined-timezone markers)
//
// Every write lands via tmp file + atomic rename so a crash never leaves a
// torn document behind.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	queuePath    string
	declinedPath string

	declined map[string]int64 // key -> unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("localstore.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		queuePath:    prefix + ".queue.json",
		declinedPath: prefix + ".declined.json",
		declined:     map[string]int64{},
	}
	if err := loadJSON(s.declinedPath, &s.declined); err != nil && !os.IsNotExist(err) {
		log.Warn("declined markers unreadable; starting empty", logx.Any("err", err))
		s.declined = map[string]int64{}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadQueue(ctx context.Context) (QueueDoc, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc QueueDoc
	err := loadJSON(s.queuePath, &doc)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("queue document unreadable; resetting", logx.Any("err", err))
		}
		return NewQueueDoc(), nil
	}
	if doc.Schema != QueueSchema {
		// Schema mismatch means a full reset, not a migration.
		s.log.Info("queue schema mismatch; resetting",
			logx.Int("found", doc.Schema), logx.Int("want", QueueSchema))
		return NewQueueDoc(), nil
	}
	if doc.Items == nil {
		doc.Items = map[string]Item{}
	}
	return doc, nil
}

func (s *fileStore) SaveQueue(ctx context.Context, doc QueueDoc) error {
	_ = ctx
	doc.Schema = QueueSchema
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.queuePath, doc)
}

func (s *fileStore) PutDeclined(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[key] = at.UnixMilli()
	return writeJSONAtomic(s.declinedPath, s.declined)
}

func (s *fileStore) GetDeclined(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.declined[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) ClearDeclined(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.declined[key]; !ok {
		return nil
	}
	delete(s.declined, key)
	return writeJSONAtomic(s.declinedPath, s.declined)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
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
