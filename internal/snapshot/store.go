// Package snapshot は収集結果のCSVスナップショットの保存と読み込みを提供する。
//
// 収集パス1回につき1ファイル（snapshot_YYYY-MM-DD-HH-MM-SS.csv[.gz]）を書き込み、
// 読み込み時は全ファイルを結合して時刻順に並べる。
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	filePrefix   = "snapshot_"
	csvExt       = ".csv"
	gzipExt      = ".csv.gz"
	fileTimeForm = "2006-01-02-15-04-05"

	// maxSameSecondFiles は同じ秒に書き込めるファイル数の上限。
	maxSameSecondFiles = 100
)

// Store はディレクトリ配下のスナップショットファイルを管理する。
type Store struct {
	dir      string
	compress bool
	logger   *slog.Logger
}

// NewStore はStoreの新しいインスタンスを生成する。
// compressがtrueの場合はgzip圧縮したファイルを書き込む。
func NewStore(dir string, compress bool, logger *slog.Logger) *Store {
	return &Store{dir: dir, compress: compress, logger: logger}
}

// Dir は保存先ディレクトリを返す。
func (s *Store) Dir() string {
	return s.dir
}

// FileName は収集時刻に対応するファイル名を返す。
func FileName(at time.Time, compress bool) string {
	ext := csvExt
	if compress {
		ext = gzipExt
	}
	return filePrefix + at.UTC().Format(fileTimeForm) + ext
}

// Write はスナップショット行を1ファイルに書き込み、そのパスを返す。
// 一時ファイルに書き込んでから配置するため、途中で失敗しても不完全なファイルは残らない。
// 既存のファイルは上書きしない。
func (s *Store) Write(at time.Time, rows []model.Snapshot) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリを作成できません: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("一時ファイルを作成できません: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := s.writeTo(tmp, rows); err != nil {
		tmp.Close()
		return "", fmt.Errorf("スナップショットを書き込めません: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("一時ファイルを閉じられません: %w", err)
	}
	path, err := s.place(tmpPath, at)
	if err != nil {
		return "", fmt.Errorf("スナップショットを配置できません: %w", err)
	}

	s.logger.Info("スナップショットを保存しました",
		slog.String("path", path),
		slog.Int("rows", len(rows)),
	)
	return path, nil
}

// place は一時ファイルを既存ファイルを上書きせずに配置する。
// 同じ秒のファイルが既にあれば _2, _3 と連番を付ける。
func (s *Store) place(tmpPath string, at time.Time) (string, error) {
	ext := csvExt
	if s.compress {
		ext = gzipExt
	}
	base := FileName(at, s.compress)
	stem := strings.TrimSuffix(base, ext)

	for n := 1; n <= maxSameSecondFiles; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		path := filepath.Join(s.dir, name)
		err := os.Link(tmpPath, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("同じ時刻のスナップショットが多すぎます: %s", base)
}

func (s *Store) writeTo(w io.Writer, rows []model.Snapshot) error {
	if !s.compress {
		return encode(w, rows)
	}
	zw := gzip.NewWriter(w)
	if err := encode(zw, rows); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Files はスナップショットファイルのパスを名前順に返す。
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("保存先ディレクトリを読み込めません: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isSnapshotFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isSnapshotFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) &&
		(strings.HasSuffix(name, csvExt) || strings.HasSuffix(name, gzipExt))
}

// ReadFile は1ファイルを読み込む。拡張子が.gzならgzipとして展開する。
func ReadFile(path string) ([]model.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzipを展開できません: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return decode(r)
}

// Filter は読み込むスナップショット行の条件。ゼロ値は全件。
type Filter struct {
	// Start 以降（この時刻を含む）の行に限定する。
	Start time.Time
	// End の日の終わりまでの行に限定する。
	End time.Time
	// Categories のいずれかに属する行に限定する。
	Categories []string
}

func (f Filter) match(s *model.Snapshot) bool {
	if !f.Start.IsZero() && s.CollectedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() {
		endOfDay := f.End.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		if !s.CollectedAt.Before(endOfDay) {
			return false
		}
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, s.Category) {
		return false
	}
	return true
}

// Load は全スナップショットファイルを結合し、条件に合う行を時刻順に返す。
// 読み込めないファイルは警告を出力してスキップする。同時刻の行はファイル順を保つ。
func (s *Store) Load(filter Filter) ([]model.Snapshot, error) {
	paths, err := s.Files()
	if err != nil {
		return nil, err
	}

	var all []model.Snapshot
	for _, path := range paths {
		rows, err := ReadFile(path)
		if err != nil {
			s.logger.Warn("スナップショットを読み込めないためスキップします",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		for i := range rows {
			if filter.match(&rows[i]) {
				all = append(all, rows[i])
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CollectedAt.Before(all[j].CollectedAt)
	})

	s.logger.Info("スナップショットを読み込みました",
		slog.Int("file_count", len(paths)),
		slog.Int("rows", len(all)),
	)
	return all, nil
}

// FileInfo は保存済みファイルの情報。
type FileInfo struct {
	Name     string    `json:"filename"`
	Size     int64     `json:"size_bytes"`
	Modified time.Time `json:"modified"`
}

// Summary は保存済みスナップショットの要約。
type Summary struct {
	Dir        string     `json:"data_dir"`
	Files      []FileInfo `json:"data_files"`
	TotalBytes int64      `json:"total_bytes"`
}

// Summarize は保存済みファイルの一覧と合計サイズを返す。
func (s *Store) Summarize() (*Summary, error) {
	paths, err := s.Files()
	if err != nil {
		return nil, err
	}
	sum := &Summary{Dir: s.dir, Files: make([]FileInfo, 0, len(paths))}
	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("ファイル情報を取得できません: %w", err)
		}
		sum.Files = append(sum.Files, FileInfo{
			Name:     st.Name(),
			Size:     st.Size(),
			Modified: st.ModTime(),
		})
		sum.TotalBytes += st.Size()
	}
	return sum, nil
}
