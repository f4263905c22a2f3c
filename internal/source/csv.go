package source

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"fjacquet/sms-ledger/internal/dateutils"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
)

// csvRow is one line of a CSV export. Columns are matched by header name.
type csvRow struct {
	Sender     string `csv:"sender"`
	Body       string `csv:"body"`
	ReceivedAt string `csv:"received_at"`
}

// CSVReader reads exports with a sender,body,received_at header.
type CSVReader struct {
	delimiter rune
	opts      Options
	logger    logging.Logger
}

// NewCSVReader creates a CSV reader.
func NewCSVReader(opts Options, logger logging.Logger) *CSVReader {
	delim := opts.Delimiter
	if delim == 0 {
		delim = ','
	}
	return &CSVReader{delimiter: delim, opts: opts, logger: logging.OrDiscard(logger)}
}

// ReadMessages implements Reader. Rows without a sender or body are skipped;
// an unreadable timestamp fails the whole export.
func (c *CSVReader) ReadMessages(r io.Reader) ([]models.Message, error) {
	csvReader := csv.NewReader(r)
	csvReader.Comma = c.delimiter
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	var rows []csvRow
	if err := gocsv.UnmarshalCSV(csvReader, &rows); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return []models.Message{}, nil
		}
		return nil, &FormatError{Format: FormatCSV, Err: err}
	}

	msgs := make([]models.Message, 0, len(rows))
	for i, row := range rows {
		line := i + 2 // header is line 1
		sender := strings.TrimSpace(row.Sender)
		body := strings.TrimSpace(row.Body)
		if sender == "" || body == "" {
			c.logger.Warn("Skipping incomplete CSV row", logging.F("line", line))
			continue
		}
		msg := models.Message{Sender: sender, Body: body}
		if strings.TrimSpace(row.ReceivedAt) != "" {
			at, err := dateutils.ParseTimestamp(row.ReceivedAt, c.opts.Location)
			if err != nil {
				return nil, &FormatError{Format: FormatCSV, Line: line, Err: err}
			}
			msg.ReceivedAt = at
		}
		msgs = append(msgs, msg)
	}
	c.logger.Debug("Parsed CSV export", logging.F(logging.FieldCount, len(msgs)))
	return msgs, nil
}
