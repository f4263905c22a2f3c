// Package source reads notification exports into messages ready for the
// ingestion pipeline.
package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
)

// Format names an export format.
type Format string

const (
	FormatCSV Format = "csv"
	FormatXML Format = "xml"
)

// Reader turns one export into messages, in file order.
type Reader interface {
	ReadMessages(r io.Reader) ([]models.Message, error)
}

// FormatError reports an export that could not be read.
type FormatError struct {
	Format Format
	Line   int
	Err    error
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid %s export at record %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("invalid %s export: %v", e.Format, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Options configure the readers.
type Options struct {
	// Delimiter separates CSV fields. Zero means a comma.
	Delimiter rune
	// Location interprets timestamps that carry no zone. Nil means UTC.
	Location *time.Location
}

// ParseFormat validates a user supplied format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatXML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported source format %q (want csv or xml)", name)
	}
}

// DetectFormat guesses the format from the file extension.
func DetectFormat(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// New returns the reader for format.
func New(format Format, opts Options, logger logging.Logger) (Reader, error) {
	switch format {
	case FormatCSV:
		return NewCSVReader(opts, logger), nil
	case FormatXML:
		return NewXMLReader(opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported source format %q", format)
	}
}

// ReadFile reads the export at path. An empty format is detected from the
// extension.
func ReadFile(path string, format Format, opts Options, logger logging.Logger) ([]models.Message, error) {
	logger = logging.OrDiscard(logger)
	if format == "" {
		detected, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	reader, err := New(format, opts, logger)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s export: %w", format, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close file", logging.F(logging.FieldInputFile, path))
		}
	}()

	msgs, err := reader.ReadMessages(file)
	if err != nil {
		return nil, err
	}
	logger.Info("Read messages",
		logging.F(logging.FieldInputFile, path),
		logging.F(logging.FieldCount, len(msgs)))
	return msgs, nil
}
