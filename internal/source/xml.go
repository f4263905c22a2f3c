package source

import (
	"errors"
	"io"
	"strings"

	"gopkg.in/xmlpath.v2"

	"fjacquet/sms-ledger/internal/dateutils"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
)

// Attribute paths of an "SMS Backup & Restore" export:
//
//	<smses count="1">
//	  <sms address="HDFCBANK" body="..." date="1736675400000" type="1" />
//	</smses>
var (
	rootPath    = xmlpath.MustCompile("/smses")
	smsPath     = xmlpath.MustCompile("/smses/sms")
	addressPath = xmlpath.MustCompile("@address")
	bodyPath    = xmlpath.MustCompile("@body")
	datePath    = xmlpath.MustCompile("@date")
	typePath    = xmlpath.MustCompile("@type")
)

// inboxType marks a received message. Sent messages and drafts are skipped.
const inboxType = "1"

// XMLReader reads SMS backup exports.
type XMLReader struct {
	opts   Options
	logger logging.Logger
}

// NewXMLReader creates an XML reader.
func NewXMLReader(opts Options, logger logging.Logger) *XMLReader {
	return &XMLReader{opts: opts, logger: logging.OrDiscard(logger)}
}

// ReadMessages implements Reader.
func (x *XMLReader) ReadMessages(r io.Reader) ([]models.Message, error) {
	root, err := xmlpath.Parse(r)
	if err != nil {
		return nil, &FormatError{Format: FormatXML, Err: err}
	}

	msgs := []models.Message{}
	record := 0
	iter := smsPath.Iter(root)
	for iter.Next() {
		record++
		node := iter.Node()
		if kind, ok := typePath.String(node); ok && strings.TrimSpace(kind) != inboxType {
			continue
		}
		sender, _ := addressPath.String(node)
		body, _ := bodyPath.String(node)
		sender, body = strings.TrimSpace(sender), strings.TrimSpace(body)
		if sender == "" || body == "" {
			x.logger.Warn("Skipping incomplete SMS record", logging.F("record", record))
			continue
		}
		msg := models.Message{Sender: sender, Body: body}
		if date, ok := datePath.String(node); ok && strings.TrimSpace(date) != "" {
			at, err := dateutils.ParseTimestamp(date, x.opts.Location)
			if err != nil {
				return nil, &FormatError{Format: FormatXML, Line: record, Err: err}
			}
			msg.ReceivedAt = at
		}
		msgs = append(msgs, msg)
	}
	if record == 0 && !rootPath.Exists(root) {
		return nil, &FormatError{Format: FormatXML, Err: errors.New("missing <smses> root element")}
	}
	x.logger.Debug("Parsed SMS backup", logging.F(logging.FieldCount, len(msgs)))
	return msgs, nil
}
