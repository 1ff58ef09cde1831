package agent

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ArtifactStore persists run_sql result sets as CSV files keyed by a
// content hash of the query and its rows, so a later visualize_data call
// can recover the column set from fileHash alone without re-running SQL.
// Each write lands under baseDir/{fileHash}/query_results_<timestamp>.csv
// via write-then-rename, so no reader ever observes a partially written
// file.
type ArtifactStore struct {
	baseDir string
}

func NewArtifactStore(baseDir string) *ArtifactStore {
	return &ArtifactStore{baseDir: baseDir}
}

// Write hashes sql+columns+rows into a fileHash, atomically writes the
// rows as CSV under baseDir/{fileHash}/, and returns the fileHash. The
// artifact is guaranteed to exist on disk by the time Write returns.
func (a *ArtifactStore) Write(sql string, columns []string, rows [][]any) (string, error) {
	fileHash := hashResultSet(sql, columns, rows)
	dir := filepath.Join(a.baseDir, fileHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "query_results_*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(columns); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = toCSVField(v)
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return "", fmt.Errorf("write artifact row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flush artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp artifact: %w", err)
	}

	final := filepath.Join(dir, fmt.Sprintf("query_results_%d.csv", time.Now().UnixNano()))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("rename artifact into place: %w", err)
	}
	return fileHash, nil
}

// Describe reads back the header row and, if present, the first data row
// of the most recent CSV artifact under fileHash, for visualize_data to
// derive chart axis keys without re-running the query.
func (a *ArtifactStore) Describe(fileHash string) (columns []string, sample []string, err error) {
	dir := filepath.Join(a.baseDir, fileHash)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact dir: %w", err)
	}
	var latest string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".csv" && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return nil, nil, fmt.Errorf("no artifact found for fileHash %s", fileHash)
	}

	f, err := os.Open(filepath.Join(dir, latest))
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	columns, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact header: %w", err)
	}
	sample, err = r.Read()
	if err != nil {
		sample = nil
	}
	return columns, sample, nil
}

func hashResultSet(sql string, columns []string, rows [][]any) string {
	h := sha256.New()
	h.Write([]byte(sql))
	for _, c := range columns {
		h.Write([]byte(c))
	}
	b, _ := json.Marshal(rows)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func toCSVField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
