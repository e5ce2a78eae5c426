// Package reports plans, fetches, and merges App Store Connect sales reports.
//
// The vendor serves reports at fixed granularities (daily, weekly, monthly).
// The planner picks the coarsest granularity that still covers a requested
// range, so long ranges cost few rate-limit slots.
package reports

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nordview/asc-client/pkg/client"
)

// Frequency is the reporting granularity.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// ReportType selects which sales report family to fetch.
type ReportType string

const (
	Sales             ReportType = "SALES"
	Subscription      ReportType = "SUBSCRIPTION"
	SubscriptionEvent ReportType = "SUBSCRIPTION_EVENT"
	Subscriber        ReportType = "SUBSCRIBER"
)

// Report sub-types accepted by the salesReports endpoint.
const (
	SubTypeSummary  = "SUMMARY"
	SubTypeDetailed = "DETAILED"
)

const (
	// ReportsPath is the vendor endpoint serving gzipped TSV report bodies.
	ReportsPath = "/salesReports"

	// RetentionDays is how far back the vendor keeps reports. Ranges that
	// start earlier are rejected before any network call.
	RetentionDays = 730

	// Planner thresholds, in range length (days).
	maxDailySpan  = 7
	maxWeeklySpan = 30
)

// versionFor returns the report version the vendor expects per report type.
func versionFor(t ReportType) string {
	switch t {
	case Subscription, SubscriptionEvent, Subscriber:
		return "1_4"
	default:
		return "1_1"
	}
}

// RequestSpec describes one report fetch.
type RequestSpec struct {
	// Date identifies the period. For WEEKLY it must be the Sunday that
	// starts the week; for MONTHLY any day within the month works.
	Date time.Time

	Frequency Frequency
	Type      ReportType
	SubType   string
}

// dateParam formats the period identifier the way the vendor expects:
// daily YYYY-MM-DD, weekly the Sunday starting the week, monthly YYYY-MM,
// yearly YYYY.
func (s RequestSpec) dateParam() string {
	switch s.Frequency {
	case Weekly:
		return sundayOf(s.Date).Format("2006-01-02")
	case Monthly:
		return s.Date.Format("2006-01")
	case Yearly:
		return s.Date.Format("2006")
	default:
		return s.Date.Format("2006-01-02")
	}
}

// query builds the filter parameters for the salesReports endpoint. Names are
// fixed by the vendor and passed through verbatim.
func (s RequestSpec) query(vendorNumber string) url.Values {
	subType := s.SubType
	if subType == "" {
		subType = SubTypeSummary
	}
	return url.Values{
		"filter[frequency]":     {string(s.Frequency)},
		"filter[reportDate]":    {s.dateParam()},
		"filter[reportSubType]": {subType},
		"filter[reportType]":    {string(s.Type)},
		"filter[vendorNumber]":  {vendorNumber},
		"filter[version]":       {versionFor(s.Type)},
	}
}

// sundayOf returns the Sunday on or before d.
func sundayOf(d time.Time) time.Time {
	return d.AddDate(0, 0, -int(d.Weekday()))
}

// midnightUTC truncates to a civil date.
func midnightUTC(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// Planner chooses report granularity for a date range.
type Planner struct {
	// Seam for tests.
	now func() time.Time
}

// NewPlanner creates a planner using the wall clock for retention checks.
func NewPlanner() *Planner {
	return &Planner{now: time.Now}
}

// Plan emits the fetch specs covering [start, end] inclusive. Ranges up to 7
// days get one daily spec per day; 8-30 days get weekly specs (consecutive
// Sundays); anything longer gets monthly specs. The union of emitted specs
// always covers the full range; boundary overlap is resolved by Merge.
func (p *Planner) Plan(start, end time.Time, reportType ReportType) ([]RequestSpec, error) {
	return p.plan(start, end, reportType, false)
}

// PlanDaily emits one daily spec per day regardless of range length, for
// callers that need day-level resolution over a long range.
func (p *Planner) PlanDaily(start, end time.Time, reportType ReportType) ([]RequestSpec, error) {
	return p.plan(start, end, reportType, true)
}

func (p *Planner) plan(start, end time.Time, reportType ReportType, forceDaily bool) ([]RequestSpec, error) {
	start = midnightUTC(start)
	end = midnightUTC(end)

	if start.After(end) {
		return nil, client.NewError(client.KindValidationFailure,
			"report range start %s is after end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	horizon := midnightUTC(p.now()).AddDate(0, 0, -RetentionDays)
	if start.Before(horizon) {
		return nil, client.NewError(client.KindValidationFailure,
			"report range start %s is beyond the %d-day retention horizon", start.Format("2006-01-02"), RetentionDays)
	}

	spanDays := int(end.Sub(start).Hours()/24) + 1

	var specs []RequestSpec
	switch {
	case forceDaily || spanDays <= maxDailySpan:
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			specs = append(specs, RequestSpec{Date: d, Frequency: Daily, Type: reportType})
		}
	case spanDays <= maxWeeklySpan:
		for sunday := sundayOf(start); !sunday.After(end); sunday = sunday.AddDate(0, 0, 7) {
			specs = append(specs, RequestSpec{Date: sunday, Frequency: Weekly, Type: reportType})
		}
	default:
		for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(end); m = m.AddDate(0, 1, 0) {
			specs = append(specs, RequestSpec{Date: m, Frequency: Monthly, Type: reportType})
		}
	}
	return specs, nil
}

// String implements fmt.Stringer for log output.
func (s RequestSpec) String() string {
	return fmt.Sprintf("%s %s %s", s.Type, s.Frequency, s.dateParam())
}
