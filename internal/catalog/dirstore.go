package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"areacam/internal/recorder"
)

// IndexFileName は録画ディレクトリ内のインデックスファイル名
const IndexFileName = "catalog.yaml"

var videoExtensions = map[string]bool{".mp4": true, ".avi": true, ".mkv": true}

type indexFile struct {
	Records []Record `yaml:"records"`
}

// DirStore は録画ディレクトリと YAML インデックスで動画を管理する Store
type DirStore struct {
	dir string
	log *slog.Logger
	mu  sync.RWMutex
}

var _ Store = (*DirStore)(nil)

// NewDirStore は新しい DirStore を作成する
func NewDirStore(dir string, log *slog.Logger) *DirStore {
	if log == nil {
		log = slog.Default()
	}
	return &DirStore{dir: dir, log: log.With("component", "catalog")}
}

// Dir は録画ディレクトリを返す
func (s *DirStore) Dir() string {
	return s.dir
}

// Add はレコードを追加する。ID と作成日時が空なら設定する
func (s *DirStore) Add(r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.FileName == "" {
		r.FileName = filepath.Base(r.Path)
	}
	if r.Status == "" {
		r.Status = StatusCompleted
	}

	idx, err := s.load()
	if err != nil {
		return Record{}, err
	}
	replaced := false
	for i := range idx.Records {
		if idx.Records[i].Path == r.Path {
			r.ID = idx.Records[i].ID
			idx.Records[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Records = append(idx.Records, r)
	}
	if err := s.save(idx); err != nil {
		return Record{}, err
	}

	s.log.Info("動画をカタログに登録しました", "id", r.ID, "path", r.Path, "size", r.Size, "duration", r.Duration)
	return r, nil
}

// AddResult は録画結果からレコードを作って追加する
func (s *DirStore) AddResult(res recorder.Result) (Record, error) {
	r, err := FromResult(res)
	if err != nil {
		return Record{}, err
	}
	return s.Add(r)
}

// FromResult は録画結果からレコードを作る。ファイルサイズはディスクから読む
func FromResult(res recorder.Result) (Record, error) {
	info, err := os.Stat(res.Path)
	if err != nil {
		return Record{}, fmt.Errorf("録画ファイルの確認に失敗: %w", err)
	}
	status := StatusCompleted
	if res.Aborted {
		status = StatusAborted
	}
	return Record{
		ID:         res.ID,
		FileName:   filepath.Base(res.Path),
		Path:       res.Path,
		Size:       info.Size(),
		Duration:   res.Duration(),
		FrameRate:  res.FrameRate,
		FrameCount: res.Stats.Written,
		Dropped:    res.Stats.Dropped,
		Status:     status,
		CreatedAt:  res.Started,
	}, nil
}

// List はインデックスのレコードと、インデックスにない動画ファイルを新しい順に返す
func (s *DirStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.load()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(idx.Records))
	for _, r := range idx.Records {
		// 消されたファイルは一覧に出さない
		if info, err := os.Stat(r.Path); err == nil {
			r.Size = info.Size()
			records = append(records, r)
		}
	}
	untracked, err := s.untracked(idx)
	if err != nil {
		return nil, err
	}
	records = append(records, untracked...)

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// untracked は録画ディレクトリにあってインデックスにない動画ファイルを返す
func (s *DirStore) untracked(idx indexFile) ([]Record, error) {
	known := make(map[string]bool, len(idx.Records))
	for _, r := range idx.Records {
		known[filepath.Clean(r.Path)] = true
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if known[filepath.Clean(path)] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.log.Warn("ファイル情報の取得に失敗しました", "path", path, "error", err)
			continue
		}
		records = append(records, Record{
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String(),
			FileName:  entry.Name(),
			Path:      path,
			Size:      info.Size(),
			Status:    StatusUnknown,
			CreatedAt: info.ModTime(),
		})
	}
	return records, nil
}

// Get は ID のレコードを返す。ファイルが消えていれば ErrNotFound
func (s *DirStore) Get(id string) (Record, error) {
	records, err := s.List()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Remove は ID の動画ファイルとレコードを削除する
// ファイルが既に消えているレコードもインデックスから外す
func (s *DirStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return err
	}
	for i, r := range idx.Records {
		if r.ID != id {
			continue
		}
		if err := removeFile(r.Path); err != nil {
			return err
		}
		idx.Records = append(idx.Records[:i], idx.Records[i+1:]...)
		return s.save(idx)
	}

	untracked, err := s.untracked(idx)
	if err != nil {
		return err
	}
	for _, r := range untracked {
		if r.ID == id {
			return removeFile(r.Path)
		}
	}
	return ErrNotFound
}

// Prune は保持期間を過ぎた動画を削除し、削除した件数を返す
func (s *DirStore) Prune(retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return 0, err
	}
	untracked, err := s.untracked(idx)
	if err != nil {
		return 0, err
	}

	removed := 0
	kept := make([]Record, 0, len(idx.Records))
	for _, r := range idx.Records {
		if now.Sub(r.CreatedAt) <= retention {
			kept = append(kept, r)
			continue
		}
		if err := removeFile(r.Path); err != nil {
			s.log.Warn("古い動画の削除に失敗しました", "path", r.Path, "error", err)
			kept = append(kept, r)
			continue
		}
		removed++
	}
	for _, r := range untracked {
		if now.Sub(r.CreatedAt) <= retention {
			continue
		}
		if err := removeFile(r.Path); err != nil {
			s.log.Warn("古い動画の削除に失敗しました", "path", r.Path, "error", err)
			continue
		}
		removed++
	}

	if len(kept) != len(idx.Records) {
		idx.Records = kept
		if err := s.save(idx); err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		s.log.Info("保持期間を過ぎた動画を削除しました", "count", removed)
	}
	return removed, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("動画ファイルの削除に失敗: %w", err)
	}
	return nil
}

func (s *DirStore) indexPath() string {
	return filepath.Join(s.dir, IndexFileName)
}

func (s *DirStore) load() (indexFile, error) {
	var idx indexFile
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return idx, fmt.Errorf("インデックスの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("インデックスの解析に失敗: %w", err)
	}
	return idx, nil
}

func (s *DirStore) save(idx indexFile) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("インデックスのエンコードに失敗: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("インデックスの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("インデックスの置き換えに失敗: %w", err)
	}
	return nil
}
