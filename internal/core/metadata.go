package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/qbitmanage/qbm-recovery/internal/model"
)

const (
	// MetadataDir holds one JSON record per recycled torrent.
	MetadataDir = "torrents_json"
	// TorrentBackupDir holds the .torrent/.fastresume copies.
	TorrentBackupDir = "torrents"
)

// MetadataReader enumerates the torrents_json records of a recycle bin.
type MetadataReader struct {
	log *zap.SugaredLogger
}

// NewMetadataReader creates a MetadataReader.
func NewMetadataReader(log *zap.Logger) *MetadataReader {
	return &MetadataReader{log: log.Sugar()}
}

// ReadAll lists <recyclePath>/torrents_json and returns a sequence that
// parses each record as it is reached. Records that fail to read or parse are
// logged and skipped. A missing torrents_json directory yields an empty
// sequence; any other listing failure is returned as an error.
func (m *MetadataReader) ReadAll(recyclePath string) (iter.Seq[model.ItemRecord], error) {
	dir := filepath.Join(recyclePath, MetadataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.log.Debugf("no %s in %s", MetadataDir, recyclePath)
			return func(func(model.ItemRecord) bool) {}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			m.log.Debugf("ignoring %s in %s: not a regular file", e.Name(), dir)
			continue
		}
		if !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			m.log.Warnf("ignoring %s in %s: not a .json metadata file", e.Name(), dir)
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	return func(yield func(model.ItemRecord) bool) {
		for _, p := range paths {
			rec, err := readRecord(p)
			if err != nil {
				m.log.Warnf("skipping metadata file %s: %v", p, err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}, nil
}

var errNoFiles = errors.New("record lists no files")

func readRecord(path string) (model.ItemRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.ItemRecord{}, err
	}
	var rec model.ItemRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.ItemRecord{}, err
	}
	if len(rec.Files) == 0 && len(rec.TorrentFiles()) == 0 {
		return model.ItemRecord{}, errNoFiles
	}
	rec.MetadataPath = path
	rec.Raw = b
	return rec, nil
}
