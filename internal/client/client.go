// Package client calls the server's HTTP API. It is shared by the
// command-line tools and the terminal monitor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/models"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// IsKind reports whether err is an API error of the given kind.
func IsKind(err error, kind broker.Kind) bool {
	var e *APIError
	return errors.As(err, &e) && e.Kind == string(kind)
}

func parseError(status int, body []byte) *APIError {
	text := strings.TrimSpace(string(body))
	e := &APIError{Status: status, Message: text}
	if kind, msg, ok := strings.Cut(text, ": "); ok && kind == strings.ToUpper(kind) && !strings.ContainsAny(kind, " \n") {
		e.Kind = kind
		e.Message = msg
	}
	return e
}

// Credentials identify the caller. With User set and no Password the
// identity is passed in proxy headers; with a Password HTTP Basic is used.
type Credentials struct {
	User     string
	Password string
	Roles    []string
}

// Client wraps HTTP calls to the API.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

// New creates a client with the default timeout.
func New(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.creds.User != "" && c.creds.Password != "":
		req.SetBasicAuth(c.creds.User, c.creds.Password)
	case c.creds.User != "":
		req.Header.Set(auth.DefaultUserHeader, c.creds.User)
		if len(c.creds.Roles) > 0 {
			req.Header.Set(auth.DefaultRolesHeader, strings.Join(c.creds.Roles, ","))
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "API request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 400 {
		return nil, nil, parseError(resp.StatusCode, body)
	}
	return body, resp.Header, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(req)
	return body, err
}

func (c *Client) post(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, _, err := c.do(req)
	return body, err
}

// postPart sends params as a multipart form, with part as a file part.
func (c *Client) postPart(ctx context.Context, path string, params url.Values, name string, part []byte) ([]byte, http.Header, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range params {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return nil, nil, err
			}
		}
	}
	fw, err := mw.CreateFormFile(name, name)
	if err != nil {
		return nil, nil, err
	}
	if _, err := fw.Write(part); err != nil {
		return nil, nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

// EvalRequest holds the eval parameters. Zero values are left to the
// server defaults.
type EvalRequest struct {
	Query    string
	Library  string
	Format   string
	Encoding string
	MaxTime  time.Duration
	Count    int64
	First    int64
}

// Result is an evaluation answer.
type Result struct {
	ContentType string
	Body        []byte
}

// Eval runs a query. The query travels as a multipart part so that its
// size is only bounded by the server post limit.
func (c *Client) Eval(ctx context.Context, er EvalRequest) (*Result, error) {
	params := url.Values{}
	if er.Library != "" {
		params.Set("library", er.Library)
	}
	if er.Format != "" {
		params.Set("format", er.Format)
	}
	if er.Encoding != "" {
		params.Set("encoding", er.Encoding)
	}
	if er.MaxTime > 0 {
		params.Set("maxtime", strconv.FormatInt(er.MaxTime.Milliseconds(), 10))
	}
	if er.Count != 0 {
		params.Set("count", strconv.FormatInt(er.Count, 10))
	}
	if er.First > 0 {
		params.Set("first", strconv.FormatInt(er.First, 10))
	}
	body, header, err := c.postPart(ctx, "/api/eval", params, "query", []byte(er.Query))
	if err != nil {
		return nil, err
	}
	return &Result{ContentType: header.Get("Content-Type"), Body: body}, nil
}

// CreateLibrary creates a library.
func (c *Client) CreateLibrary(ctx context.Context, name string) error {
	_, err := c.post(ctx, "/api/mklib", url.Values{"name": {name}})
	return err
}

// DeleteLibrary deletes a library.
func (c *Client) DeleteLibrary(ctx context.Context, name string) error {
	_, err := c.post(ctx, "/api/dellib", url.Values{"name": {name}})
	return err
}

// ListLibraries returns the library names.
func (c *Client) ListLibraries(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/api/listlib", nil)
	if err != nil {
		return nil, err
	}
	return lines(body), nil
}

// SetIndexing applies an indexing specification to a library.
func (c *Client) SetIndexing(ctx context.Context, library string, spec []byte) error {
	params := url.Values{}
	if library != "" {
		params.Set("library", library)
	}
	_, _, err := c.postPart(ctx, "/api/setindexing", params, "indexing", spec)
	return err
}

// Reindex starts a reindex action and returns its id.
func (c *Client) Reindex(ctx context.Context, library string) (string, error) {
	params := url.Values{}
	if library != "" {
		params.Set("library", library)
	}
	body, err := c.post(ctx, "/api/reindex", params)
	return strings.TrimSpace(string(body)), err
}

// Backup starts a backup action and returns its id. Library "*" backs up
// every library under path.
func (c *Client) Backup(ctx context.Context, library, path string) (string, error) {
	params := url.Values{"path": {path}}
	if library != "" {
		params.Set("library", library)
	}
	body, err := c.post(ctx, "/api/backup", params)
	return strings.TrimSpace(string(body)), err
}

// Progress returns the progress text of an action.
func (c *Client) Progress(ctx context.Context, id string) (*Progress, error) {
	body, err := c.get(ctx, "/api/progress/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return ParseProgress(string(body))
}

// Actions lists retained actions, newest first.
func (c *Client) Actions(ctx context.Context) ([]broker.ActionInfo, error) {
	body, err := c.get(ctx, "/api/actions", nil)
	if err != nil {
		return nil, err
	}
	var out []broker.ActionInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "decode actions")
	}
	return out, nil
}

// Cancel aborts a running action.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.post(ctx, "/api/cancel", url.Values{"id": {id}})
	return err
}

// Reload makes the server reread its configuration.
func (c *Client) Reload(ctx context.Context) error {
	_, err := c.post(ctx, "/api/reload", url.Values{})
	return err
}

// ServerInfo describes the server.
func (c *Client) ServerInfo(ctx context.Context) (*models.ServerInfo, error) {
	body, err := c.get(ctx, "/api/serverinfo", nil)
	if err != nil {
		return nil, err
	}
	var info models.ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(err, "decode server info")
	}
	return &info, nil
}

// Audit lists audit records, newest first.
func (c *Client) Audit(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	params := url.Values{}
	if f.Action != "" {
		params.Set("action", f.Action)
	}
	if f.Library != "" {
		params.Set("library", f.Library)
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	body, err := c.get(ctx, "/api/audit", params)
	if err != nil {
		return nil, err
	}
	var out []models.AuditRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "decode audit records")
	}
	return out, nil
}

// Services lists the stored query scripts.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/api/services", nil)
	if err != nil {
		return nil, err
	}
	return lines(body), nil
}

// Health returns the health payload. Unlike other calls it returns the
// parsed payload alongside the error on a non-200 answer.
func (c *Client) Health(ctx context.Context) (*models.HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "API request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	var health models.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, errors.Wrap(err, "parse health response")
	}
	if resp.StatusCode != http.StatusOK {
		return &health, errors.Errorf("health check failed (status %d)", resp.StatusCode)
	}
	return &health, nil
}

func lines(body []byte) []string {
	var out []string
	for _, l := range strings.Split(string(body), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
