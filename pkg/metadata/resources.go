// Package metadata manages App Store Connect app metadata: resource
// resolution, field validation, and batch localization updates with
// per-entity partial-failure semantics.
package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nordview/asc-client/pkg/client"
)

// DefaultLocale is used when an operation does not name one.
const DefaultLocale = "en-US"

// editableStates are the version states in which localized metadata can still
// be changed. A version that is live (READY_FOR_SALE) is immutable.
var editableStates = map[string]struct{}{
	"PREPARE_FOR_SUBMISSION": {},
	"WAITING_FOR_REVIEW":     {},
	"IN_REVIEW":              {},
	"DEVELOPER_REJECTED":     {},
	"REJECTED":               {},
}

// App is a managed app in the account.
type App struct {
	ID            string
	Name          string
	BundleID      string
	SKU           string
	PrimaryLocale string
}

// Localization is one locale's localized resource (app-info or version level).
type Localization struct {
	ID         string
	Locale     string
	Attributes map[string]string
}

// Version is an App Store version of an app.
type Version struct {
	ID            string
	VersionString string
	Platform      string
	State         string
}

// Editable reports whether the version's metadata can still be changed.
func (v Version) Editable() bool {
	_, ok := editableStates[v.State]
	return ok
}

// resourceObject is the generic JSON:API resource shape the vendor serves.
type resourceObject struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

type resourceList struct {
	Data []resourceObject `json:"data"`
}

type resourceSingle struct {
	Data resourceObject `json:"data"`
}

// attrString reads a string attribute, tolerating absent or null values.
func (r resourceObject) attrString(name string) string {
	if v, ok := r.Attributes[name].(string); ok {
		return v
	}
	return ""
}

// updateEnvelope is the JSON:API PATCH body for a localization update.
type updateEnvelope struct {
	Data updateResource `json:"data"`
}

type updateResource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// createVersionEnvelope is the JSON:API POST body for a new version.
type createVersionEnvelope struct {
	Data createVersionResource `json:"data"`
}

type createVersionResource struct {
	Type          string                 `json:"type"`
	Attributes    createVersionAttrs     `json:"attributes"`
	Relationships createVersionRelations `json:"relationships"`
}

type createVersionAttrs struct {
	Platform      string `json:"platform"`
	VersionString string `json:"versionString"`
}

type createVersionRelations struct {
	App struct {
		Data struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
	} `json:"app"`
}

// Engine resolves metadata resources and applies batch updates.
type Engine struct {
	client *client.Client
	logger zerolog.Logger
}

// NewEngine creates a metadata engine on top of the request executor.
func NewEngine(c *client.Client) (*Engine, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	return &Engine{
		client: c,
		logger: log.With().Str("component", "asc-metadata").Logger(),
	}, nil
}

// Apps lists all apps in the account.
func (e *Engine) Apps(ctx context.Context) ([]App, error) {
	resp, err := e.client.Get(ctx, "/apps", nil)
	if err != nil {
		return nil, err
	}
	var list resourceList
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}

	apps := make([]App, 0, len(list.Data))
	for _, obj := range list.Data {
		apps = append(apps, App{
			ID:            obj.ID,
			Name:          obj.attrString("name"),
			BundleID:      obj.attrString("bundleId"),
			SKU:           obj.attrString("sku"),
			PrimaryLocale: obj.attrString("primaryLocale"),
		})
	}
	return apps, nil
}

// AppInfos returns the app-info resource ids for an app. Localized app-level
// metadata (name, subtitle, privacy policy) hangs off these.
func (e *Engine) AppInfos(ctx context.Context, appID string) ([]string, error) {
	resp, err := e.client.Get(ctx, "/apps/"+appID+"/appInfos", nil)
	if err != nil {
		return nil, err
	}
	var list resourceList
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, obj := range list.Data {
		ids = append(ids, obj.ID)
	}
	return ids, nil
}

// AppInfoLocalizations lists the per-locale app-info resources.
func (e *Engine) AppInfoLocalizations(ctx context.Context, appInfoID string) ([]Localization, error) {
	resp, err := e.client.Get(ctx, "/appInfos/"+appInfoID+"/appInfoLocalizations", nil)
	if err != nil {
		return nil, err
	}
	return decodeLocalizations(resp)
}

// AppStoreVersions lists the App Store versions of an app.
func (e *Engine) AppStoreVersions(ctx context.Context, appID string) ([]Version, error) {
	resp, err := e.client.Get(ctx, "/appStoreVersions", url.Values{"filter[app]": {appID}})
	if err != nil {
		return nil, err
	}
	var list resourceList
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}

	versions := make([]Version, 0, len(list.Data))
	for _, obj := range list.Data {
		versions = append(versions, Version{
			ID:            obj.ID,
			VersionString: obj.attrString("versionString"),
			Platform:      obj.attrString("platform"),
			State:         obj.attrString("appStoreState"),
		})
	}
	return versions, nil
}

// EditableVersion returns the first version whose metadata can still be
// changed, or a validation error when every version is locked.
func (e *Engine) EditableVersion(ctx context.Context, appID string) (*Version, error) {
	versions, err := e.AppStoreVersions(ctx, appID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Editable() {
			return &v, nil
		}
	}
	return nil, client.NewError(client.KindValidationFailure,
		"no editable version for app %s; create a new version first", appID)
}

// VersionLocalizations lists the per-locale resources of a version.
func (e *Engine) VersionLocalizations(ctx context.Context, versionID string) ([]Localization, error) {
	resp, err := e.client.Get(ctx, "/appStoreVersions/"+versionID+"/appStoreVersionLocalizations", nil)
	if err != nil {
		return nil, err
	}
	return decodeLocalizations(resp)
}

// CreateVersion creates a new App Store version. The POST is not idempotent
// and is never retried on transient failures.
func (e *Engine) CreateVersion(ctx context.Context, appID, versionString, platform string) (*Version, error) {
	if platform == "" {
		platform = "IOS"
	}

	envelope := createVersionEnvelope{}
	envelope.Data.Type = "appStoreVersions"
	envelope.Data.Attributes = createVersionAttrs{Platform: platform, VersionString: versionString}
	envelope.Data.Relationships.App.Data.Type = "apps"
	envelope.Data.Relationships.App.Data.ID = appID

	resp, err := e.client.Post(ctx, "/appStoreVersions", envelope)
	if err != nil {
		return nil, err
	}
	var single resourceSingle
	if err := resp.JSON(&single); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("app_id", appID).
		Str("version", versionString).
		Msg("App Store version created")
	return &Version{
		ID:            single.Data.ID,
		VersionString: single.Data.attrString("versionString"),
		Platform:      single.Data.attrString("platform"),
		State:         single.Data.attrString("appStoreState"),
	}, nil
}

// AppMetadata is the current localized metadata of an app, one entry per
// locale, app-info and version attributes folded together.
type AppMetadata struct {
	AppID   string
	Locales map[string]map[string]string
}

// CurrentMetadata aggregates the app's live localized metadata across the
// app-info level and the first editable version (when one exists).
func (e *Engine) CurrentMetadata(ctx context.Context, appID string) (*AppMetadata, error) {
	meta := &AppMetadata{AppID: appID, Locales: make(map[string]map[string]string)}

	infoIDs, err := e.AppInfos(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(infoIDs) > 0 {
		locs, err := e.AppInfoLocalizations(ctx, infoIDs[0])
		if err != nil {
			return nil, err
		}
		for _, loc := range locs {
			meta.merge(loc)
		}
	}

	version, err := e.EditableVersion(ctx, appID)
	if err != nil {
		// No editable version means no version-level metadata to report.
		if apiErr, ok := client.AsAPIError(err); ok && apiErr.Kind == client.KindValidationFailure {
			return meta, nil
		}
		return nil, err
	}
	locs, err := e.VersionLocalizations(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	for _, loc := range locs {
		meta.merge(loc)
	}
	return meta, nil
}

func (m *AppMetadata) merge(loc Localization) {
	fields, ok := m.Locales[loc.Locale]
	if !ok {
		fields = make(map[string]string)
		m.Locales[loc.Locale] = fields
	}
	for k, v := range loc.Attributes {
		fields[k] = v
	}
}

// updateAppInfoLocalization patches app-level localized fields. The PATCH
// carries the full field mapping for the entity in one request and is safe to
// repeat, so it is marked idempotent for retry purposes.
func (e *Engine) updateAppInfoLocalization(ctx context.Context, localizationID string, attrs map[string]string) error {
	envelope := updateEnvelope{Data: updateResource{
		Type:       "appInfoLocalizations",
		ID:         localizationID,
		Attributes: attrs,
	}}
	_, err := e.client.Do(ctx, client.Request{
		Method:     http.MethodPatch,
		Path:       "/appInfoLocalizations/" + localizationID,
		Body:       envelope,
		Idempotent: true,
	})
	return err
}

// updateVersionLocalization patches version-level localized fields.
func (e *Engine) updateVersionLocalization(ctx context.Context, localizationID string, attrs map[string]string) error {
	envelope := updateEnvelope{Data: updateResource{
		Type:       "appStoreVersionLocalizations",
		ID:         localizationID,
		Attributes: attrs,
	}}
	_, err := e.client.Do(ctx, client.Request{
		Method:     http.MethodPatch,
		Path:       "/appStoreVersionLocalizations/" + localizationID,
		Body:       envelope,
		Idempotent: true,
	})
	return err
}

// decodeLocalizations converts a JSON:API localization list into the typed
// form, flattening attributes to strings.
func decodeLocalizations(resp *client.Response) ([]Localization, error) {
	var list resourceList
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}

	locs := make([]Localization, 0, len(list.Data))
	for _, obj := range list.Data {
		attrs := make(map[string]string, len(obj.Attributes))
		for k, v := range obj.Attributes {
			if s, ok := v.(string); ok {
				attrs[k] = s
			}
		}
		locs = append(locs, Localization{
			ID:         obj.ID,
			Locale:     obj.attrString("locale"),
			Attributes: attrs,
		})
	}
	return locs, nil
}
