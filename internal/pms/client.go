package pms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultSandboxBaseURL    = "https://sandbox.pms-api.local"
	defaultProductionBaseURL = "https://api.pms-api.local"
	defaultUserAgent         = "medspa-pms-sync/0.1"
	defaultTimeout           = 15 * time.Second
	maxErrorBody             = 2048
)

var tracer = otel.Tracer("medspa.internal.pms")

// Observer receives one observation per HTTP round trip.
type Observer interface {
	ObservePMSRequest(operation, status string, elapsed time.Duration)
}

// Config controls how the PMS client behaves.
type Config struct {
	SandboxBaseURL    string
	ProductionBaseURL string
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *logging.Logger
	Observer          Observer
	UserAgent         string
}

// Client wraps the PMS REST endpoints. It never retries; see Retry.
type Client struct {
	sandboxBaseURL    string
	productionBaseURL string
	timeout           time.Duration
	httpClient        *http.Client
	logger            *logging.Logger
	observer          Observer
	userAgent         string
	now               func() time.Time
}

// New creates a configured Client with sane defaults.
func New(cfg Config) *Client {
	sandbox := strings.TrimRight(strings.TrimSpace(cfg.SandboxBaseURL), "/")
	if sandbox == "" {
		sandbox = defaultSandboxBaseURL
	}
	production := strings.TrimRight(strings.TrimSpace(cfg.ProductionBaseURL), "/")
	if production == "" {
		production = defaultProductionBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		sandboxBaseURL:    sandbox,
		productionBaseURL: production,
		timeout:           timeout,
		httpClient:        httpClient,
		logger:            logger,
		observer:          cfg.Observer,
		userAgent:         userAgent,
		now:               time.Now,
	}
}

// BaseURL returns the API root for an environment.
func (c *Client) BaseURL(env practice.Environment) string {
	if env == practice.EnvironmentProduction {
		return c.productionBaseURL
	}
	return c.sandboxBaseURL
}

// Authenticate exchanges the integration's API key for a bearer token.
func (c *Client) Authenticate(ctx context.Context, integration practice.Integration) (Credential, error) {
	if err := integration.Validate(); err != nil {
		return Credential{}, &AuthError{Op: "authenticate", Err: err}
	}
	cred := Credential{
		BaseURL:    c.BaseURL(integration.Environment),
		Subdomain:  integration.Subdomain,
		LocationID: integration.LocationID,
	}
	query := url.Values{}
	query.Set("subdomain", integration.Subdomain)
	data, err := c.invoke(ctx, "authenticate", cred.BaseURL, http.MethodPost, "/authenticates", query, nil, "Authorization", integration.APIKey)
	if err != nil {
		if isTransient(err) {
			return Credential{}, err
		}
		return Credential{}, &AuthError{Op: "authenticate", Err: err}
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeData(data, &payload); err != nil {
		return Credential{}, &AuthError{Op: "authenticate", Err: err}
	}
	if strings.TrimSpace(payload.Token) == "" {
		return Credential{}, &AuthError{Op: "authenticate", Err: errors.New("empty token in response")}
	}
	cred.Token = payload.Token
	cred.IssuedAt = c.now().UTC()
	c.logger.Debug("pms authenticated", "integration_id", integration.Key(), "subdomain", integration.Subdomain)
	return cred, nil
}

func (c *Client) ListAppointmentTypes(ctx context.Context, cred Credential, params PageParams) (Page[AppointmentType], error) {
	return listPage[AppointmentType](ctx, c, cred, "list_appointment_types", "/appointment_types", "appointment_types", params)
}

func (c *Client) ListPaymentTypes(ctx context.Context, cred Credential, params PageParams) (Page[PaymentType], error) {
	return listPage[PaymentType](ctx, c, cred, "list_payment_types", "/payment_types", "payment_types", params)
}

func (c *Client) ListAdjustmentTypes(ctx context.Context, cred Credential, params PageParams) (Page[AdjustmentType], error) {
	return listPage[AdjustmentType](ctx, c, cred, "list_adjustment_types", "/adjustment_types", "adjustment_types", params)
}

func (c *Client) ListProviders(ctx context.Context, cred Credential, params PageParams) (Page[Provider], error) {
	return listPage[Provider](ctx, c, cred, "list_providers", "/providers", "providers", params)
}

func (c *Client) ListOperatories(ctx context.Context, cred Credential, params PageParams) (Page[Operatory], error) {
	return listPage[Operatory](ctx, c, cred, "list_operatories", "/operatories", "operatories", params)
}

func (c *Client) ListPatients(ctx context.Context, cred Credential, params PageParams) (Page[Patient], error) {
	return listPage[Patient](ctx, c, cred, "list_patients", "/patients", "patients", params)
}

func (c *Client) ListAppointments(ctx context.Context, cred Credential, params PageParams) (Page[Appointment], error) {
	return listPage[Appointment](ctx, c, cred, "list_appointments", "/appointments", "appointments", params)
}

// CreateAppointment books an appointment. The idempotency key travels as header and body field.
func (c *Client) CreateAppointment(ctx context.Context, cred Credential, req CreateAppointmentRequest) (Created, error) {
	if err := req.Validate(); err != nil {
		return Created{}, err
	}
	return c.create(ctx, cred, "create_appointment", "/appointments", "appt", req.IdempotencyKey, req)
}

func (c *Client) CreatePayment(ctx context.Context, cred Credential, req CreatePaymentRequest) (Created, error) {
	if err := req.Validate(); err != nil {
		return Created{}, err
	}
	return c.create(ctx, cred, "create_payment", "/payments", "payment", req.IdempotencyKey, req)
}

func (c *Client) CreateAdjustment(ctx context.Context, cred Credential, req CreateAdjustmentRequest) (Created, error) {
	if err := req.Validate(); err != nil {
		return Created{}, err
	}
	return c.create(ctx, cred, "create_adjustment", "/adjustments", "adjustment", req.IdempotencyKey, req)
}

func (c *Client) create(ctx context.Context, cred Credential, op, path, wrapper, idempotencyKey string, payload any) (Created, error) {
	body, err := json.Marshal(map[string]any{wrapper: payload})
	if err != nil {
		return Created{}, fmt.Errorf("pms: marshal %s body: %w", wrapper, err)
	}
	data, err := c.invoke(ctx, op, cred.BaseURL, http.MethodPost, path, routingQuery(cred), body,
		"Authorization", "Bearer "+cred.Token,
		"Idempotency-Key", idempotencyKey)
	if err != nil {
		return Created{}, err
	}
	return decodeCreated(data, wrapper)
}

func listPage[T any](ctx context.Context, c *Client, cred Credential, op, path, collection string, params PageParams) (Page[T], error) {
	query := routingQuery(cred)
	if params.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(params.PerPage))
	}
	if params.Cursor != "" {
		query.Set("start_cursor", params.Cursor)
	}
	if !params.UpdatedSince.IsZero() {
		query.Set("updated_since", params.UpdatedSince.UTC().Format(time.RFC3339))
	}
	data, err := c.invoke(ctx, op, cred.BaseURL, http.MethodGet, path, query, nil, "Authorization", "Bearer "+cred.Token)
	if err != nil {
		return Page[T]{}, err
	}
	return decodePage[T](data, collection)
}

func routingQuery(cred Credential) url.Values {
	query := url.Values{}
	query.Set("subdomain", cred.Subdomain)
	query.Set("location_id", cred.LocationID)
	return query
}

// invoke performs exactly one round trip bounded by the client timeout.
func (c *Client) invoke(ctx context.Context, op, baseURL, method, path string, query url.Values, body []byte, headers ...string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "pms."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("pms.path", path),
	)

	start := c.now()
	data, status, err := c.roundTrip(ctx, op, baseURL, method, path, query, body, headers)
	if c.observer != nil {
		c.observer.ObservePMSRequest(op, statusLabel(status, err), c.now().Sub(start))
	}
	if status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

func (c *Client) roundTrip(parent context.Context, op, baseURL, method, path string, query url.Values, body []byte, headers []string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, buildURL(baseURL, path, query), bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("pms: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] != "" {
			req.Header.Set(headers[i], headers[i+1])
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(op, parent, err)
	}
	data, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, classifyTransport(op, parent, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBody),
			Method:     method,
			Path:       path,
		}
	}
	return data, resp.StatusCode, nil
}

func buildURL(baseURL, path string, query url.Values) string {
	full := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full = full + "?" + query.Encode()
	}
	return full
}

func statusLabel(status int, err error) string {
	switch {
	case status > 0:
		return strconv.Itoa(status)
	case err == nil:
		return "ok"
	default:
		var transportErr *TransportError
		if errors.As(err, &transportErr) && transportErr.Timeout {
			return "timeout"
		}
		return "error"
	}
}

type envelope struct {
	Code     *bool           `json:"code"`
	Error    json.RawMessage `json:"error"`
	Data     json.RawMessage `json:"data"`
	PageInfo *struct {
		HasNextPage bool   `json:"has_next_page"`
		EndCursor   string `json:"end_cursor"`
	} `json:"page_info"`
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("pms: decode response: %w", err)
	}
	if env.Code != nil && !*env.Code {
		return envelope{}, &APIError{StatusCode: http.StatusOK, Body: truncate(string(env.Error), maxErrorBody)}
	}
	return env, nil
}

func decodeData(body []byte, out any) error {
	env, err := decodeEnvelope(body)
	if err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return errors.New("pms: response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("pms: decode data: %w", err)
	}
	return nil
}

func decodePage[T any](body []byte, collection string) (Page[T], error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return Page[T]{}, err
	}
	items, err := decodeCollection[T](env.Data, collection)
	if err != nil {
		return Page[T]{}, err
	}
	page := Page[T]{Data: items}
	if env.PageInfo != nil {
		page.HasMore = env.PageInfo.HasNextPage
		page.NextCursor = env.PageInfo.EndCursor
	}
	if page.HasMore && page.NextCursor == "" {
		return Page[T]{}, fmt.Errorf("pms: %s page has more results but no cursor", collection)
	}
	return page, nil
}

// decodeCollection accepts either a bare array or an object holding the array under key.
func decodeCollection[T any](raw json.RawMessage, key string) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []T
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("pms: decode %s: %w", key, err)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("pms: decode %s: %w", key, err)
		}
		inner, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("pms: response data has no %q collection", key)
		}
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, fmt.Errorf("pms: decode %s: %w", key, err)
		}
	default:
		return nil, fmt.Errorf("pms: unexpected %s data shape", key)
	}
	return items, nil
}

func decodeCreated(body []byte, wrapper string) (Created, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return Created{}, err
	}
	var created Created
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &created); err != nil {
			return Created{}, fmt.Errorf("pms: decode created %s: %w", wrapper, err)
		}
		if created.ID == "" {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(env.Data, &nested); err == nil && len(nested[wrapper]) > 0 {
				if err := json.Unmarshal(nested[wrapper], &created); err != nil {
					return Created{}, fmt.Errorf("pms: decode created %s: %w", wrapper, err)
				}
			}
		}
	}
	if created.ID == "" {
		return Created{}, fmt.Errorf("pms: created %s response has no id", wrapper)
	}
	return created, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
