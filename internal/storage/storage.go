// Package storage keeps sealed batch results and rendered reports in a file
// tree:
//
//	<root>/batches/<batch-id>.json
//	<root>/reports/<name>
package storage

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/report"
	"github.com/anstrom/batchscan/internal/scanning"
)

const (
	batchesDir = "batches"
	reportsDir = "reports"
	batchExt   = ".json"
)

// BatchSummary describes one saved batch.
type BatchSummary struct {
	ID           string    `json:"batch_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	TotalTargets int       `json:"total_targets"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	OpenPorts    int       `json:"open_ports"`
	HighRisk     int       `json:"high_risk"`
	Path         string    `json:"path"`
}

// ReportInfo describes one saved report file.
type ReportInfo struct {
	Name     string        `json:"name"`
	Format   report.Format `json:"format"`
	Size     int64         `json:"size"`
	Modified time.Time     `json:"modified"`
	Path     string        `json:"path"`
}

// Store manages the result tree under one root directory.
type Store struct {
	root   string
	logger *logging.Logger
}

// New creates a store rooted at root. Directories are created on first write.
func New(root string, logger *logging.Logger) *Store {
	return &Store{root: root, logger: logger.WithComponent("storage")}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// BatchPath returns where the batch with id is stored.
func (s *Store) BatchPath(id string) string {
	return filepath.Join(s.root, batchesDir, id+batchExt)
}

// ReportPath returns where the report called name is stored.
func (s *Store) ReportPath(name string) string {
	return filepath.Join(s.root, reportsDir, name)
}

// SaveBatch writes the structured-data encoding of a sealed result.
func (s *Store) SaveBatch(result *batch.Result) (string, error) {
	if err := validateName(result.ID); err != nil {
		return "", err
	}
	path := s.BatchPath(result.ID)
	if err := report.WriteFile(path, result, report.FormatJSON); err != nil {
		return "", err
	}
	s.logger.Debug("Saved batch", "batch_id", result.ID, "path", path)
	return path, nil
}

// LoadBatch reads a saved batch and reseals it.
func (s *Store) LoadBatch(id string) (*batch.Result, error) {
	if err := validateName(id); err != nil {
		return nil, err
	}
	return loadBatchFile(s.BatchPath(id))
}

func loadBatchFile(path string) (*batch.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrIO("read batch", path, err)
	}

	var decoded batch.Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.ErrIO("decode batch", path, err)
	}
	return batch.Restore(&decoded)
}

// ListBatches returns saved batches, newest first. A limit of zero or less
// returns all of them. Files that cannot be read are skipped.
func (s *Store) ListBatches(limit int) ([]BatchSummary, error) {
	dir := filepath.Join(s.root, batchesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return []BatchSummary{}, nil
		}
		return nil, errors.ErrIO("list batches", dir, err)
	}

	summaries := make([]BatchSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != batchExt {
			continue
		}

		path := filepath.Join(dir, name)
		result, err := loadBatchFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable batch", "path", path, "error", err)
			continue
		}
		summaries = append(summaries, summarize(result, path))
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartTime.Equal(summaries[j].StartTime) {
			return summaries[i].StartTime.After(summaries[j].StartTime)
		}
		return summaries[i].ID < summaries[j].ID
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func summarize(result *batch.Result, path string) BatchSummary {
	return BatchSummary{
		ID:           result.ID,
		StartTime:    result.StartTime,
		EndTime:      result.EndTime,
		TotalTargets: result.TotalTargets,
		Succeeded:    result.Succeeded,
		Failed:       result.Failed,
		OpenPorts:    result.Stats.OpenPorts,
		HighRisk:     result.Stats.Risk.Levels[scanning.RiskHigh],
		Path:         path,
	}
}

// SaveReport renders result into the reports directory. An empty name
// defaults to "<batch-id>.<ext>".
func (s *Store) SaveReport(result *batch.Result, format report.Format, name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("%s.%s", result.ID, format.Extension())
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	path := s.ReportPath(name)
	if err := report.WriteFile(path, result, format); err != nil {
		return "", err
	}
	s.logger.Debug("Saved report", "batch_id", result.ID, "format", format, "path", path)
	return path, nil
}

// ListReports returns saved reports, most recently modified first.
func (s *Store) ListReports() ([]ReportInfo, error) {
	dir := filepath.Join(s.root, reportsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return []ReportInfo{}, nil
		}
		return nil, errors.ErrIO("list reports", dir, err)
	}

	reports := make([]ReportInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		format, ok := report.FormatForPath(name)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Skipping report", "name", name, "error", err)
			continue
		}
		reports = append(reports, ReportInfo{
			Name:     name,
			Format:   format,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Path:     filepath.Join(dir, name),
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].Modified.Equal(reports[j].Modified) {
			return reports[i].Modified.After(reports[j].Modified)
		}
		return reports[i].Name < reports[j].Name
	})
	return reports, nil
}

// DeleteReport removes a saved report.
func (s *Store) DeleteReport(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	path := s.ReportPath(name)
	if err := os.Remove(path); err != nil {
		return errors.ErrIO("delete report", path, err)
	}
	s.logger.Debug("Deleted report", "path", path)
	return nil
}

// validateName rejects anything that is not a plain file name.
func validateName(name string) error {
	switch {
	case name == "",
		strings.ContainsAny(name, `/\`),
		strings.Contains(name, ".."),
		strings.HasPrefix(name, "."):
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid name %q", name))
	}
	return nil
}
