package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/logging"
	"github.com/tractionhq/traction-engine/pkg/retry"
)

const (
	hubSpotAPIBaseURL   = "https://api.hubapi.com"
	hubSpotAuthorizeURL = "https://app.hubspot.com/oauth/authorize"

	// maxErrorBodyBytes bounds how much of a provider error body is read.
	maxErrorBodyBytes = 4096
)

// HubSpotApp holds the OAuth app credentials shared by every organization's
// connector. One app exists per deployment; connectors are per integration.
type HubSpotApp struct {
	ClientID     string
	ClientSecret string
	Scopes       string
	BaseURL      string
	AuthorizeURL string
	HTTPClient   *http.Client
}

// NewHubSpotApp creates the app descriptor. baseURL is overridable so tests
// can point at a stub server; empty means the production API host.
func NewHubSpotApp(clientID, clientSecret, scopes, baseURL string, timeout time.Duration) *HubSpotApp {
	if baseURL == "" {
		baseURL = hubSpotAPIBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HubSpotApp{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		AuthorizeURL: hubSpotAuthorizeURL,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

// AuthorizationURL builds the provider authorization URL embedding the
// CSRF state.
func (a *HubSpotApp) AuthorizationURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", a.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", a.Scopes)
	q.Set("state", state)
	return a.AuthorizeURL + "?" + q.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (a *HubSpotApp) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	form.Set("redirect_uri", redirectURI)
	form.Set("code", code)
	return a.tokenRequest(ctx, form)
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (a *HubSpotApp) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	form.Set("refresh_token", refreshToken)
	return a.tokenRequest(ctx, form)
}

func (a *HubSpotApp) tokenRequest(ctx context.Context, form url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.BaseURL+"/oauth/v1/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The token endpoint reports a dead or revoked grant as 400, so
		// the whole 4xx range (bar 429) is an auth failure here: callers
		// mark the integration instead of retrying a hopeless request.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return nil, &AuthError{
				StatusCode: resp.StatusCode,
				Message:    logging.Sanitize(strings.TrimSpace(string(raw))),
			}
		}
		return nil, classifyStatus(resp, "token endpoint")
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "token response missing access_token"}
	}

	return &TokenGrant{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
	}, nil
}

// AccountInfo fetches the external account identity with a raw access
// token. The OAuth flow calls this right after a code exchange, before an
// integration row (and therefore a TokenSource) exists.
func (a *HubSpotApp) AccountInfo(ctx context.Context, accessToken string) (*AccountInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/account-info/v3/details", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build account info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, "account info")
	}

	var body struct {
		PortalID        json.Number `json:"portalId"`
		UIDomain        string      `json:"uiDomain"`
		TimeZone        string      `json:"timeZone"`
		CompanyCurrency string      `json:"companyCurrency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode account info: %w", err)
	}

	return &AccountInfo{
		ID:       body.PortalID.String(),
		Name:     body.UIDomain,
		TimeZone: body.TimeZone,
		Currency: body.CompanyCurrency,
	}, nil
}

// ConnectorOptions tunes a connector instance.
type ConnectorOptions struct {
	// PageSize is the number of records requested per page (max 100 on
	// HubSpot's v3 list endpoints).
	PageSize int
	// Properties maps a provider object type to the property names to
	// request; unset types get the provider's defaults.
	Properties map[string][]string
	// Retry overrides the backoff policy; nil uses retry.DefaultConfig.
	Retry *retry.Config
}

// HubSpotConnector implements Connector against the HubSpot CRM v3/v4 APIs.
// One instance is bound to a single integration through its TokenSource.
type HubSpotConnector struct {
	app    *HubSpotApp
	tokens TokenSource
	opts   ConnectorOptions
	logger *zap.Logger
}

var _ Connector = (*HubSpotConnector)(nil)

// NewHubSpotConnector creates a connector for one integration.
func NewHubSpotConnector(app *HubSpotApp, tokens TokenSource, opts ConnectorOptions, logger *zap.Logger) *HubSpotConnector {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	return &HubSpotConnector{
		app:    app,
		tokens: tokens,
		opts:   opts,
		logger: logger.Named("hubspot"),
	}
}

// NormalizeObjectType normalizes a configured object type into the plural,
// lowercase form the CRM paths use ("deal" and "deals" are the same type).
func NormalizeObjectType(objectType string) string {
	return inflection.Plural(strings.ToLower(strings.TrimSpace(objectType)))
}

type hubSpotObject struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  *time.Time     `json:"createdAt"`
	UpdatedAt  *time.Time     `json:"updatedAt"`
}

type hubSpotPaging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

func (c *HubSpotConnector) ListObjects(ctx context.Context, objectType, cursor string) (*Page, error) {
	objectType = NormalizeObjectType(objectType)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.opts.PageSize))
	if cursor != "" {
		q.Set("after", cursor)
	}
	if props := c.opts.Properties[objectType]; len(props) > 0 {
		q.Set("properties", strings.Join(props, ","))
	}

	var body struct {
		Results []hubSpotObject `json:"results"`
		Paging  *hubSpotPaging  `json:"paging"`
	}
	path := fmt.Sprintf("/crm/v3/objects/%s?%s", objectType, q.Encode())
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	page := &Page{Records: make([]*Record, 0, len(body.Results))}
	for _, obj := range body.Results {
		page.Records = append(page.Records, &Record{
			ExternalID: obj.ID,
			Properties: obj.Properties,
			CreatedAt:  obj.CreatedAt,
			UpdatedAt:  obj.UpdatedAt,
		})
	}
	if body.Paging != nil && body.Paging.Next != nil && body.Paging.Next.After != "" {
		page.NextCursor = body.Paging.Next.After
		page.HasMore = true
	}
	return page, nil
}

func (c *HubSpotConnector) GetObjectProperties(ctx context.Context, objectType string) ([]PropertyDefinition, error) {
	var body struct {
		Results []struct {
			Name      string `json:"name"`
			Label     string `json:"label"`
			Type      string `json:"type"`
			FieldType string `json:"fieldType"`
			GroupName string `json:"groupName"`
		} `json:"results"`
	}
	path := "/crm/v3/properties/" + NormalizeObjectType(objectType)
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	defs := make([]PropertyDefinition, 0, len(body.Results))
	for _, p := range body.Results {
		defs = append(defs, PropertyDefinition{
			Name:      p.Name,
			Label:     p.Label,
			Type:      p.Type,
			FieldType: p.FieldType,
			GroupName: p.GroupName,
		})
	}

	// Group ordering keeps the schema stable for the field-mapping UI.
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].GroupName != defs[j].GroupName {
			return defs[i].GroupName < defs[j].GroupName
		}
		return defs[i].Name < defs[j].Name
	})

	return defs, nil
}

func (c *HubSpotConnector) GetAssociationSchema(ctx context.Context, fromType, toType string) ([]AssociationTypeDefinition, error) {
	var body struct {
		Results []struct {
			TypeID   int    `json:"typeId"`
			Label    string `json:"label"`
			Category string `json:"category"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/crm/v4/associations/%s/%s/labels", NormalizeObjectType(fromType), NormalizeObjectType(toType))
	err := c.get(ctx, path, &body)
	if err != nil {
		// An unknown pair comes back 404; that is "no relationship
		// defined", not a failure.
		var permErr *PermanentError
		if errors.As(err, &permErr) && permErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	defs := make([]AssociationTypeDefinition, 0, len(body.Results))
	for _, r := range body.Results {
		defs = append(defs, AssociationTypeDefinition{
			TypeID:   r.TypeID,
			Label:    r.Label,
			Category: r.Category,
		})
	}
	return defs, nil
}

func (c *HubSpotConnector) FetchAssociations(ctx context.Context, fromType, fromID, toType string) ([]string, error) {
	var body struct {
		Results []struct {
			ToObjectID json.Number `json:"toObjectId"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/crm/v4/objects/%s/%s/associations/%s",
		NormalizeObjectType(fromType), url.PathEscape(fromID), NormalizeObjectType(toType))
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(body.Results))
	for _, r := range body.Results {
		ids = append(ids, r.ToObjectID.String())
	}
	return ids, nil
}

func (c *HubSpotConnector) BatchFetchAssociations(ctx context.Context, fromType string, fromIDs []string, toType string) (map[string][]string, error) {
	// Every input id gets an entry even when the provider's batch
	// response omits ids with zero associations.
	result := make(map[string][]string, len(fromIDs))
	for _, id := range fromIDs {
		result[id] = []string{}
	}
	if len(fromIDs) == 0 {
		return result, nil
	}

	type input struct {
		ID string `json:"id"`
	}
	reqBody := struct {
		Inputs []input `json:"inputs"`
	}{Inputs: make([]input, 0, len(fromIDs))}
	for _, id := range fromIDs {
		reqBody.Inputs = append(reqBody.Inputs, input{ID: id})
	}

	var body struct {
		Results []struct {
			From struct {
				ID string `json:"id"`
			} `json:"from"`
			To []struct {
				ToObjectID json.Number `json:"toObjectId"`
			} `json:"to"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/crm/v4/associations/%s/%s/batch/read", NormalizeObjectType(fromType), NormalizeObjectType(toType))
	if err := c.post(ctx, path, reqBody, &body); err != nil {
		return nil, err
	}

	for _, r := range body.Results {
		ids := make([]string, 0, len(r.To))
		for _, to := range r.To {
			ids = append(ids, to.ToObjectID.String())
		}
		result[r.From.ID] = ids
	}
	return result, nil
}

func (c *HubSpotConnector) TestConnection(ctx context.Context) error {
	_, err := c.GetAccountInfo(ctx)
	return err
}

func (c *HubSpotConnector) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var body struct {
		PortalID        json.Number `json:"portalId"`
		UIDomain        string      `json:"uiDomain"`
		TimeZone        string      `json:"timeZone"`
		CompanyCurrency string      `json:"companyCurrency"`
	}
	if err := c.get(ctx, "/account-info/v3/details", &body); err != nil {
		return nil, err
	}

	return &AccountInfo{
		ID:       body.PortalID.String(),
		Name:     body.UIDomain,
		TimeZone: body.TimeZone,
		Currency: body.CompanyCurrency,
	}, nil
}

func (c *HubSpotConnector) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HubSpotConnector) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

// do executes one provider call with the shared retry policy. A 401/403
// response triggers exactly one forced token refresh and one replay before
// giving up.
func (c *HubSpotConnector) do(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, c.opts.Retry, func() error {
		return c.request(ctx, method, path, payload, token, out)
	})
	if !IsAuthError(err) {
		return err
	}

	c.logger.Debug("Provider rejected token, forcing refresh", zap.String("path", path))
	token, refreshErr := c.tokens.Refresh(ctx)
	if refreshErr != nil {
		return refreshErr
	}

	return retry.Do(ctx, c.opts.Retry, func() error {
		return c.request(ctx, method, path, payload, token, out)
	})
}

func (c *HubSpotConnector) request(ctx context.Context, method, path string, payload []byte, token string, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.app.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.app.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// classifyStatus maps a non-2xx provider response onto the error taxonomy.
func classifyStatus(resp *http.Response, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	message := logging.Sanitize(strings.TrimSpace(string(raw)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, message)}
	default:
		return &PermanentError{StatusCode: resp.StatusCode, Message: message}
	}
}

// parseRetryAfter reads a Retry-After header in seconds form. HubSpot also
// sends fractional values on burst limits.
func parseRetryAfter(value string) time.Duration {
	const fallback = 10 * time.Second
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
