// Package scanner expands ingest arguments into the list of export files to read.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/source"
)

// ExportScanner finds SMS export files under files and directories.
type ExportScanner struct {
	logger logging.Logger
}

// NewExportScanner creates a new instance of ExportScanner.
func NewExportScanner(logger logging.Logger) *ExportScanner {
	return &ExportScanner{
		logger: logging.OrDiscard(logger).WithField(logging.FieldComponent, "ExportScanner"),
	}
}

// ScanPaths returns the export files named by paths. Files are returned as
// given, whatever their extension, so an explicit --format can apply to them.
// Directories are walked recursively and only files with a supported export
// extension are kept, in lexical order.
func (s *ExportScanner) ScanPaths(paths []string) ([]string, error) {
	var files []string

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			s.logger.WithError(err).WithField("path", p).Error("Failed to stat path")
			return nil, fmt.Errorf("failed to stat path %s: %w", p, err)
		}

		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := s.scanDirectory(p)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			s.logger.Warn("No export files found in directory", logging.F("path", p))
		}
		files = append(files, found...)
	}

	return files, nil
}

func (s *ExportScanner) scanDirectory(dirPath string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Error walking path")
			return nil // Continue walking even if there's an error with one path
		}
		if d.IsDir() {
			return nil
		}
		if _, err := source.DetectFormat(path); err != nil {
			s.logger.Debug("Skipping unsupported file", logging.F("path", path))
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", dirPath, err)
	}

	sort.Strings(files)
	return files, nil
}
