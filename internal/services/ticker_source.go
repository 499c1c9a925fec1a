package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"quote-backfill-service/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrNoTickers is returned by a source that yields an empty list
var ErrNoTickers = errors.New("no tickers configured")

// TickerSource lists the tickers a full run covers
type TickerSource interface {
	Name() string
	List(ctx context.Context) ([]string, error)
}

// TickerLister reads the known tickers from the quote store
type TickerLister interface {
	ListTickers(ctx context.Context) ([]string, error)
}

// DatabaseTickerSource lists every ticker in the store
type DatabaseTickerSource struct {
	store TickerLister
}

func NewDatabaseTickerSource(store TickerLister) *DatabaseTickerSource {
	return &DatabaseTickerSource{store: store}
}

func (s *DatabaseTickerSource) Name() string { return config.TickerSourceDB }

func (s *DatabaseTickerSource) List(ctx context.Context) ([]string, error) {
	tickers, err := s.store.ListTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	tickers = normalizeTickers(tickers)
	if len(tickers) == 0 {
		return nil, ErrNoTickers
	}
	return tickers, nil
}

// StaticTickerSource returns a fixed list
type StaticTickerSource struct {
	tickers []string
}

func NewStaticTickerSource(tickers []string) *StaticTickerSource {
	return &StaticTickerSource{tickers: normalizeTickers(tickers)}
}

func (s *StaticTickerSource) Name() string { return config.TickerSourceStatic }

func (s *StaticTickerSource) List(ctx context.Context) ([]string, error) {
	if len(s.tickers) == 0 {
		return nil, ErrNoTickers
	}
	out := make([]string, len(s.tickers))
	copy(out, s.tickers)
	return out, nil
}

// FileTickerSource reads tickers from a YAML or JSON file on every List.
// The file holds either a bare list or a mapping with a "tickers" key.
type FileTickerSource struct {
	path string
}

func NewFileTickerSource(path string) *FileTickerSource {
	return &FileTickerSource{path: path}
}

func (s *FileTickerSource) Name() string { return config.TickerSourceConfigFile }

func (s *FileTickerSource) List(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticker file: %w", err)
	}
	tickers, err := parseTickerFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ticker file %s: %w", s.path, err)
	}
	tickers = normalizeTickers(tickers)
	if len(tickers) == 0 {
		return nil, ErrNoTickers
	}
	return tickers, nil
}

func parseTickerFile(data []byte) ([]string, error) {
	var doc struct {
		Tickers []string `yaml:"tickers"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil {
		return doc.Tickers, nil
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// FallbackTickerSource uses fallback whenever primary fails or is empty
type FallbackTickerSource struct {
	primary  TickerSource
	fallback TickerSource
	logger   *logrus.Entry
}

func NewFallbackTickerSource(primary, fallback TickerSource, logger logrus.FieldLogger) *FallbackTickerSource {
	return &FallbackTickerSource{
		primary:  primary,
		fallback: fallback,
		logger:   logger.WithField("component", "ticker_source"),
	}
}

func (s *FallbackTickerSource) Name() string {
	return s.primary.Name() + "+" + s.fallback.Name()
}

func (s *FallbackTickerSource) List(ctx context.Context) ([]string, error) {
	tickers, err := s.primary.List(ctx)
	if err == nil && len(tickers) > 0 {
		return tickers, nil
	}
	s.logger.WithError(err).WithField("fallback", s.fallback.Name()).Warn("Primary ticker source unavailable, using fallback")
	return s.fallback.List(ctx)
}

// NewTickerSource selects the source named by cfg.TickerSource. The database
// source falls back to TICKER_LIST when one is configured.
func NewTickerSource(cfg config.BackfillConfig, store TickerLister, logger logrus.FieldLogger) (TickerSource, error) {
	static := NewStaticTickerSource(cfg.TickerList)

	switch strings.ToLower(cfg.TickerSource) {
	case config.TickerSourceStatic:
		return static, nil
	case config.TickerSourceConfigFile:
		return NewFileTickerSource(cfg.TickerFile), nil
	case config.TickerSourceDB, "":
		if store == nil {
			return nil, fmt.Errorf("ticker source %q requires a database", config.TickerSourceDB)
		}
		db := NewDatabaseTickerSource(store)
		if len(static.tickers) > 0 {
			return NewFallbackTickerSource(db, static, logger), nil
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown ticker source %q", cfg.TickerSource)
	}
}
