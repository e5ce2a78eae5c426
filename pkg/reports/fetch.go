package reports

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nordview/asc-client/pkg/client"
)

// Prometheus metrics for report operations.
var (
	ascReportFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_report_fetches_total",
		Help: "Total report fetches by report type and frequency",
	}, []string{"report_type", "frequency"})

	ascReportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_report_rows_total",
		Help: "Total report rows decoded by report type",
	}, []string{"report_type"})
)

// Report-type specific column carrying the app identifier, used for the
// optional app-ID filter.
func appIDColumn(t ReportType) string {
	if t == Sales {
		return "Apple Identifier"
	}
	return "App Apple ID"
}

// Row is one decoded report line: the vendor's columns plus the period the
// fetch was issued for.
type Row struct {
	Columns    map[string]string
	ReportDate time.Time
	Frequency  Frequency
}

// fingerprint identifies a row for deduplication: same report date, same
// column values. The granularity annotation is deliberately excluded so a
// boundary day served by both a daily and a weekly fetch collapses to one row.
func (r Row) fingerprint() string {
	keys := make([]string, 0, len(r.Columns))
	for k := range r.Columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.ReportDate.Format("2006-01-02"))
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.Columns[k])
	}
	return b.String()
}

// FetcherConfig configures the report fetcher.
type FetcherConfig struct {
	// Client executes the API calls (required).
	Client *client.Client

	// VendorNumber identifies the reporting account (required).
	VendorNumber string

	// AppIDs optionally restricts decoded rows to these app identifiers.
	AppIDs []string
}

// Fetcher downloads and decodes sales reports.
type Fetcher struct {
	client       *client.Client
	vendorNumber string
	appIDs       map[string]struct{}
	planner      *Planner
	logger       zerolog.Logger
}

// NewFetcher creates a report fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.VendorNumber == "" {
		return nil, fmt.Errorf("vendor number is required")
	}

	var appIDs map[string]struct{}
	if len(cfg.AppIDs) > 0 {
		appIDs = make(map[string]struct{}, len(cfg.AppIDs))
		for _, id := range cfg.AppIDs {
			appIDs[id] = struct{}{}
		}
	}

	return &Fetcher{
		client:       cfg.Client,
		vendorNumber: cfg.VendorNumber,
		appIDs:       appIDs,
		planner:      NewPlanner(),
		logger:       log.With().Str("component", "asc-reports").Logger(),
	}, nil
}

// Fetch downloads one report. A 404 means the vendor has no report for that
// period (common for the current day) and yields zero rows, not an error.
func (f *Fetcher) Fetch(ctx context.Context, spec RequestSpec) ([]Row, error) {
	resp, err := f.client.Do(ctx, client.Request{
		Method:  http.MethodGet,
		Path:    ReportsPath,
		Query:   spec.query(f.vendorNumber),
		NoCache: true,
	})
	if err != nil {
		if apiErr, ok := client.AsAPIError(err); ok && apiErr.Kind == client.KindNotFound {
			f.logger.Debug().
				Str("spec", spec.String()).
				Msg("No report available for period")
			return nil, nil
		}
		return nil, err
	}

	rows, err := decodeGzipTSV(resp.Body, spec)
	if err != nil {
		return nil, client.NewError(client.KindUnknownError, "decode %s report: %v", spec.Type, err)
	}
	rows = f.filterApps(spec.Type, rows)

	ascReportFetchesTotal.WithLabelValues(string(spec.Type), string(spec.Frequency)).Inc()
	ascReportRowsTotal.WithLabelValues(string(spec.Type)).Add(float64(len(rows)))

	f.logger.Debug().
		Str("spec", spec.String()).
		Int("rows", len(rows)).
		Msg("Report fetched")
	return rows, nil
}

// FetchRange plans the cheapest fetch sequence for [start, end], downloads
// every planned report, and merges the results into one deduplicated row set.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time, reportType ReportType) ([]Row, error) {
	specs, err := f.planner.Plan(start, end, reportType)
	if err != nil {
		return nil, err
	}

	batches := make([][]Row, 0, len(specs))
	for _, spec := range specs {
		rows, err := f.Fetch(ctx, spec)
		if err != nil {
			return nil, err
		}
		batches = append(batches, rows)
	}
	return Merge(batches...), nil
}

// FetchRangeDaily is FetchRange at forced daily granularity, for callers that
// need day-level resolution over a long range.
func (f *Fetcher) FetchRangeDaily(ctx context.Context, start, end time.Time, reportType ReportType) ([]Row, error) {
	specs, err := f.planner.PlanDaily(start, end, reportType)
	if err != nil {
		return nil, err
	}

	batches := make([][]Row, 0, len(specs))
	for _, spec := range specs {
		rows, err := f.Fetch(ctx, spec)
		if err != nil {
			return nil, err
		}
		batches = append(batches, rows)
	}
	return Merge(batches...), nil
}

// FinancialReport downloads the monthly financial report. Region "ZZ" means
// all regions combined.
func (f *Fetcher) FinancialReport(ctx context.Context, year int, month time.Month, region string) ([]Row, error) {
	if region == "" {
		region = "ZZ"
	}
	period := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)

	resp, err := f.client.Do(ctx, client.Request{
		Method: http.MethodGet,
		Path:   ReportsPath,
		Query: url.Values{
			"filter[regionCode]":   {region},
			"filter[reportDate]":   {period.Format("2006-01")},
			"filter[reportType]":   {"FINANCIAL"},
			"filter[vendorNumber]": {f.vendorNumber},
		},
		NoCache: true,
	})
	if err != nil {
		if apiErr, ok := client.AsAPIError(err); ok && apiErr.Kind == client.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	rows, err := decodeGzipTSV(resp.Body, RequestSpec{Date: period, Frequency: Monthly})
	if err != nil {
		return nil, client.NewError(client.KindUnknownError, "decode financial report: %v", err)
	}
	return rows, nil
}

// filterApps drops rows whose app identifier is not in the configured set.
func (f *Fetcher) filterApps(reportType ReportType, rows []Row) []Row {
	if f.appIDs == nil {
		return rows
	}
	column := appIDColumn(reportType)

	kept := make([]Row, 0, len(rows))
	for _, row := range rows {
		id, ok := row.Columns[column]
		if !ok {
			// Report variant without the identifier column; keep everything.
			return rows
		}
		if _, want := f.appIDs[id]; want {
			kept = append(kept, row)
		}
	}
	return kept
}

// decodeGzipTSV decompresses a report body and decodes its tab-separated
// content. The first line is the column header. An empty body yields no rows.
func decodeGzipTSV(body []byte, spec RequestSpec) ([]Row, error) {
	if len(body) == 0 {
		return nil, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	reader := csv.NewReader(gz)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows)+1, err)
		}

		columns := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				columns[name] = record[i]
			}
		}
		rows = append(rows, Row{
			Columns:    columns,
			ReportDate: midnightUTC(spec.Date),
			Frequency:  spec.Frequency,
		})
	}
	return rows, nil
}

// Merge concatenates fetched batches in order and removes exact-duplicate
// rows, which occur when adjacent fetch periods overlap on a boundary day.
// The first occurrence of a duplicated row wins.
func Merge(batches ...[]Row) []Row {
	seen := make(map[string]struct{})
	var merged []Row
	for _, batch := range batches {
		for _, row := range batch {
			fp := row.fingerprint()
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			merged = append(merged, row)
		}
	}
	return merged
}
