package metadata

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nordview/asc-client/pkg/client"
)

// Prometheus metrics for batch mutation operations.
var (
	ascBatchOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_batch_operations_total",
		Help: "Total batch operations by outcome",
	}, []string{"outcome"})

	ascBatchRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_batch_runs_total",
		Help: "Total batch runs",
	})
)

// Operation is one entity's metadata update: an app, a locale, and the fields
// to change. All fields for one entity level are applied in a single request.
type Operation struct {
	AppID  string
	Locale string
	Fields map[string]string
}

// OutcomeStatus is the terminal state of one operation.
type OutcomeStatus string

const (
	StatusApplied OutcomeStatus = "applied"
	StatusFailed  OutcomeStatus = "failed"
)

// Outcome records what happened to one operation.
type Outcome struct {
	AppID  string
	Locale string
	Status OutcomeStatus

	// Applied holds the field mapping that was written, for applied outcomes.
	Applied map[string]string

	// Err carries the classified failure, for failed outcomes.
	Err error
}

// BatchReport aggregates per-entity outcomes in caller-supplied order. With
// continueOnError disabled, operations after the first failure were never
// attempted and do not appear.
type BatchReport struct {
	Outcomes []Outcome
}

// Succeeded counts applied operations.
func (r *BatchReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusApplied {
			n++
		}
	}
	return n
}

// Failed counts failed operations.
func (r *BatchReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// ApplyBatch applies the operations in order, one update request per entity
// touched. Failures are partial: an applied operation is never rolled back
// because a later one failed. With continueOnError, every operation is
// attempted and the report carries each one's outcome; without it, the first
// failure halts processing.
//
// The returned error is non-nil only for context cancellation; per-operation
// failures live in the report.
func (e *Engine) ApplyBatch(ctx context.Context, ops []Operation, continueOnError bool) (*BatchReport, error) {
	ascBatchRunsTotal.Inc()
	report := &BatchReport{Outcomes: make([]Outcome, 0, len(ops))}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		locale := op.Locale
		if locale == "" {
			locale = DefaultLocale
		}

		err := e.applyOne(ctx, op.AppID, locale, op.Fields)
		if err != nil {
			ascBatchOperationsTotal.WithLabelValues(string(StatusFailed)).Inc()
			report.Outcomes = append(report.Outcomes, Outcome{
				AppID:  op.AppID,
				Locale: locale,
				Status: StatusFailed,
				Err:    err,
			})
			e.logger.Warn().
				Err(err).
				Str("app_id", op.AppID).
				Str("locale", locale).
				Msg("Batch operation failed")

			if !continueOnError {
				break
			}
			continue
		}

		ascBatchOperationsTotal.WithLabelValues(string(StatusApplied)).Inc()
		report.Outcomes = append(report.Outcomes, Outcome{
			AppID:   op.AppID,
			Locale:  locale,
			Status:  StatusApplied,
			Applied: op.Fields,
		})
		e.logger.Info().
			Str("app_id", op.AppID).
			Str("locale", locale).
			Str("fields", fieldSummary(op.Fields)).
			Msg("Batch operation applied")
	}

	return report, nil
}

// applyOne validates and applies a single operation: at most one PATCH per
// entity level, each carrying that level's full field mapping.
func (e *Engine) applyOne(ctx context.Context, appID, locale string, fields map[string]string) error {
	if appID == "" {
		return client.NewError(client.KindValidationFailure, "operation has no app id")
	}
	if err := validateFields(fields); err != nil {
		return err
	}

	appInfoFields, versionFields := splitFields(fields)

	if appInfoFields != nil {
		loc, err := e.resolveAppInfoLocalization(ctx, appID, locale)
		if err != nil {
			return err
		}
		if err := e.updateAppInfoLocalization(ctx, loc.ID, appInfoFields); err != nil {
			return err
		}
	}

	if versionFields != nil {
		loc, err := e.resolveVersionLocalization(ctx, appID, locale)
		if err != nil {
			return err
		}
		if err := e.updateVersionLocalization(ctx, loc.ID, versionFields); err != nil {
			return err
		}
	}
	return nil
}

// resolveAppInfoLocalization finds the app-info localization resource for a
// locale.
func (e *Engine) resolveAppInfoLocalization(ctx context.Context, appID, locale string) (*Localization, error) {
	infoIDs, err := e.AppInfos(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(infoIDs) == 0 {
		return nil, client.NewError(client.KindNotFound, "no app info for app %s", appID)
	}

	locs, err := e.AppInfoLocalizations(ctx, infoIDs[0])
	if err != nil {
		return nil, err
	}
	return findLocale(locs, appID, locale)
}

// resolveVersionLocalization finds the localization resource on the app's
// editable version.
func (e *Engine) resolveVersionLocalization(ctx context.Context, appID, locale string) (*Localization, error) {
	version, err := e.EditableVersion(ctx, appID)
	if err != nil {
		return nil, err
	}

	locs, err := e.VersionLocalizations(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	return findLocale(locs, appID, locale)
}

func findLocale(locs []Localization, appID, locale string) (*Localization, error) {
	for _, loc := range locs {
		if loc.Locale == locale {
			return &loc, nil
		}
	}
	return nil, client.NewError(client.KindNotFound, "locale %s not found for app %s", locale, appID)
}
