package httpapi

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

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

var _ types.Store = (*Client)(nil)

// Client implements types.Store against a Server. Transport failures and
// unexpected statuses become PersistenceError; 400, 403, 404 and 409 map back
// to the error classes the server reported.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	// Timeout bounds each request. Zero means types.DefaultHTTPTimeoutMS.
	Timeout time.Duration
	// HTTPClient overrides the underlying client; Timeout is then ignored.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = time.Duration(types.DefaultHTTPTimeoutMS) * time.Millisecond
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc, log: log}, nil
}

// ListTestCases returns the feature's cases in creation order.
func (c *Client) ListTestCases(ctx context.Context, featureID string, includeArchived bool) ([]types.TestCase, error) {
	q := url.Values{}
	if includeArchived {
		q.Set("include_archived", strconv.FormatBool(true))
	}
	var out []types.TestCase
	err := c.do(ctx, "list test cases", http.MethodGet, "/api/features/"+url.PathEscape(featureID)+"/cases", q, nil, &out)
	return out, err
}

// CreateTestCases creates one case per spec.
func (c *Client) CreateTestCases(ctx context.Context, featureID string, specs []types.TestCaseSpec) ([]types.TestCase, error) {
	var out []types.TestCase
	err := c.do(ctx, "create test cases", http.MethodPost, "/api/features/"+url.PathEscape(featureID)+"/cases", nil, specs, &out)
	return out, err
}

// UpdateTestCase applies a partial update.
func (c *Client) UpdateTestCase(ctx context.Context, id string, patch types.TestCasePatch) (types.TestCase, error) {
	var out types.TestCase
	err := c.do(ctx, "update test case", http.MethodPatch, "/api/cases/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

// GetTestCases returns the known cases among ids.
func (c *Client) GetTestCases(ctx context.Context, ids []string) ([]types.TestCase, error) {
	var out []types.TestCase
	err := c.do(ctx, "get test cases", http.MethodPost, "/api/cases/lookup", nil, lookupRequest{IDs: ids}, &out)
	return out, err
}

// CreateRun creates an OPEN run.
func (c *Client) CreateRun(ctx context.Context, scope types.Scope, meta types.RunMetadata, targets []string) (*types.TestRun, error) {
	var out types.TestRun
	req := createRunRequest{Scope: scope, Metadata: meta, Targets: targets}
	if err := c.do(ctx, "create run", http.MethodPost, "/api/runs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns the run.
func (c *Client) GetRun(ctx context.Context, id string) (*types.TestRun, error) {
	var out types.TestRun
	if err := c.do(ctx, "get run", http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertResults merges results into the run.
func (c *Client) UpsertResults(ctx context.Context, runID string, results []types.ResultUpsert) (*types.TestRun, error) {
	var out types.TestRun
	if err := c.do(ctx, "upsert results", http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/results", nil, results, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRun applies a partial run update.
func (c *Client) UpdateRun(ctx context.Context, id string, update types.RunUpdate) (*types.TestRun, error) {
	var out types.TestRun
	if err := c.do(ctx, "update run", http.MethodPatch, "/api/runs/"+url.PathEscape(id), nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns matching runs, newest first.
func (c *Client) ListRuns(ctx context.Context, filter types.RunFilter) ([]types.TestRun, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.FeatureID != "" {
		q.Set("feature_id", filter.FeatureID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	var out []types.TestRun
	err := c.do(ctx, "list runs", http.MethodGet, "/api/runs", q, nil, &out)
	return out, err
}

// ListModules returns the project's modules.
func (c *Client) ListModules(ctx context.Context, projectID string) ([]types.Module, error) {
	var out []types.Module
	err := c.do(ctx, "list modules", http.MethodGet, "/api/modules", url.Values{"project_id": {projectID}}, nil, &out)
	return out, err
}

// ListFeatures returns the project's features.
func (c *Client) ListFeatures(ctx context.Context, projectID string) ([]types.Feature, error) {
	var out []types.Feature
	err := c.do(ctx, "list features", http.MethodGet, "/api/features", url.Values{"project_id": {projectID}}, nil, &out)
	return out, err
}

// GetFeature returns one feature.
func (c *Client) GetFeature(ctx context.Context, id string) (types.Feature, error) {
	var out types.Feature
	err := c.do(ctx, "get feature", http.MethodGet, "/api/features/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// PutModule creates or replaces a module.
func (c *Client) PutModule(ctx context.Context, m types.Module) (types.Module, error) {
	var out types.Module
	err := c.do(ctx, "put module", http.MethodPost, "/api/modules", nil, m, &out)
	return out, err
}

// PutFeature creates or replaces a feature.
func (c *Client) PutFeature(ctx context.Context, f types.Feature) (types.Feature, error) {
	var out types.Feature
	err := c.do(ctx, "put feature", http.MethodPost, "/api/features", nil, f, &out)
	return out, err
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return types.NewPersistenceError(op, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return types.NewPersistenceError(op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", zap.String("op", op), zap.Error(err))
		return types.NewPersistenceError(op, err)
	}
	defer resp.Body.Close()
	c.log.Debug("request done",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewPersistenceError(op, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}
	return decodeError(op, resp)
}

// decodeError rebuilds the store error the server reported.
func decodeError(op string, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Code == "" {
		eb = errorBody{Error: strings.TrimSpace(string(raw)), Code: codeInternal}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		switch eb.Code {
		case codeInvalidID:
			return fmt.Errorf("%s: %w", op, types.ErrInvalidID)
		case codeInvalidData:
			return fmt.Errorf("%s: %w: %s", op, types.ErrInvalidData, eb.Error)
		}
		reason := eb.Reason
		if reason == "" {
			reason = eb.Error
		}
		return types.NewValidationError(eb.Field, reason)
	case http.StatusNotFound:
		return types.NewPersistenceError(op, types.ErrNotFound)
	case http.StatusForbidden:
		return types.NewPersistenceError(op, types.ErrForbidden)
	case http.StatusConflict:
		reason, ok := stateReasons[eb.Reason]
		if !ok {
			reason = errors.New(eb.Error)
		}
		stateOp := eb.Op
		if stateOp == "" {
			stateOp = op
		}
		return types.NewInvalidStateError(stateOp, eb.RunID, reason)
	}
	return types.NewPersistenceError(op, fmt.Errorf("server returned %d: %s", resp.StatusCode, eb.Error))
}
