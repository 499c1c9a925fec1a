package upstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRow is one NBBO quote as returned by the provider
type QuoteRow struct {
	Timestamp    time.Time
	BidSize      int64
	BidExchange  int
	Bid          decimal.Decimal
	BidCondition int
	AskSize      int64
	AskExchange  int
	Ask          decimal.Decimal
	AskCondition int
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"20060102 15:04:05.999999999",
	"20060102",
}

// ParseTimestamp parses a provider timestamp. Values without a zone are
// interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "Z") || strings.ContainsAny(s[min(len(s), 19):], "+-") {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseQuotesCSV reads the provider's CSV body: an optional header row, then
// timestamp, bid_size, bid_exchange, bid, bid_condition, ask_size,
// ask_exchange, ask, ask_condition. Short or unparseable rows are skipped.
func ParseQuotesCSV(r io.Reader, loc *time.Location) ([]QuoteRow, error) {
	if loc == nil {
		loc = time.UTC
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var rows []QuoteRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read quote csv: %w", err)
		}
		if len(record) < 9 {
			continue
		}

		ts := strings.TrimSpace(record[0])
		if ts == "" || ts[0] < '0' || ts[0] > '9' {
			// header
			continue
		}

		row, err := parseRecord(record, loc)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(record []string, loc *time.Location) (QuoteRow, error) {
	var row QuoteRow
	var err error

	if row.Timestamp, err = ParseTimestamp(record[0], loc); err != nil {
		return row, err
	}
	if row.BidSize, err = parseInt64(record[1]); err != nil {
		return row, err
	}
	if row.BidExchange, err = parseInt(record[2]); err != nil {
		return row, err
	}
	if row.Bid, err = decimal.NewFromString(strings.TrimSpace(record[3])); err != nil {
		return row, err
	}
	if row.BidCondition, err = parseInt(record[4]); err != nil {
		return row, err
	}
	if row.AskSize, err = parseInt64(record[5]); err != nil {
		return row, err
	}
	if row.AskExchange, err = parseInt(record[6]); err != nil {
		return row, err
	}
	if row.Ask, err = decimal.NewFromString(strings.TrimSpace(record[7])); err != nil {
		return row, err
	}
	if row.AskCondition, err = parseInt(record[8]); err != nil {
		return row, err
	}
	return row, nil
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseInt64(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
