package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/config"
	"github.com/shehryarbajwa/webgrab/internal/metering"
	"github.com/shehryarbajwa/webgrab/internal/ratelimit"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

var png = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00}

type stubOps struct {
	calls []models.Operation
	res   *metering.Result
	err   error
}

func (s *stubOps) Execute(ctx context.Context, userID string, op models.Operation) (*metering.Result, error) {
	s.calls = append(s.calls, op)
	return s.res, s.err
}

type stubBalances map[string]int64

func (s stubBalances) Balance(ctx context.Context, userID string) (int64, error) {
	return s[userID], nil
}

type stubFiles struct {
	artifacts map[string]*models.Artifact
	bodies    map[string][]byte
	deleted   []string
}

func (s *stubFiles) Get(ctx context.Context, id string) (*models.Artifact, error) {
	a, ok := s.artifacts[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return a, nil
}

func (s *stubFiles) Open(ctx context.Context, id string) (*models.Artifact, io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return a, io.NopCloser(bytes.NewReader(s.bodies[id])), nil
}

func (s *stubFiles) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	delete(s.artifacts, id)
	return nil
}

type stubActors []models.ActorInfo

func (s stubActors) Stats() []models.ActorInfo { return append([]models.ActorInfo(nil), s...) }

type stubWorkspaces struct{}

func (stubWorkspaces) Archive(userID string, w io.Writer) error {
	if userID == "alice" {
		_, err := w.Write([]byte("tarball"))
		return err
	}
	return errors.New("workspace not found")
}

type testServer struct {
	ops    *stubOps
	files  *stubFiles
	router http.Handler
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	ts := &testServer{
		ops: &stubOps{},
		files: &stubFiles{
			artifacts: map[string]*models.Artifact{
				"f1": {ID: "f1", UserID: "alice", ContentType: "image/png", Size: int64(len(png))},
			},
			bodies: map[string][]byte{"f1": png},
		},
	}
	authn := auth.New("", []config.APIKey{
		{Key: "alice-key", UserID: "alice", Plan: "pro"},
		{Key: "bob-key", UserID: "bob", Plan: "free"},
		{Key: "root-key", UserID: "root", Plan: AdminPlan},
	})
	actors := stubActors{{UserID: "alice", State: models.ActorReady}, {UserID: "bob", State: models.ActorReady}}
	h := NewHandler(ts.ops, stubBalances{"alice": 42}, ts.files, actors, stubWorkspaces{}, nil)
	ts.router = h.SetupRoutes(authn, limiter)
	return ts
}

func (ts *testServer) do(method, path, key, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func captureResult(fromCache bool) *metering.Result {
	return &metering.Result{
		Output: &models.Capture{
			Op:           models.KindScreenshot,
			Data:         png,
			ContentType:  "image/png",
			Format:       "png",
			Size:         len(png),
			URL:          "https://example.com/",
			PermanentURL: "http://localhost:8080/v1/files/f1",
			FileID:       "f1",
		},
		CreditsCost:      1,
		CreditsRemaining: 9,
		FromCache:        fromCache,
	}
}

func TestScreenshotReturnsRawBytesWithHeaders(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ops.res = captureResult(false)

	rec := ts.do("POST", "/v1/screenshot", "alice-key", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())
	assert.Equal(t, "1", rec.Header().Get("X-Credits-Cost"))
	assert.Equal(t, "9", rec.Header().Get("X-Credits-Remaining"))
	assert.Equal(t, "false", rec.Header().Get("X-From-Cache"))
	assert.Equal(t, "http://localhost:8080/v1/files/f1", rec.Header().Get("X-Permanent-Url"))
	assert.Equal(t, "f1", rec.Header().Get("X-File-Id"))

	require.Len(t, ts.ops.calls, 1)
	assert.Equal(t, "https://example.com", ts.ops.calls[0].Target())
}

func TestScreenshotBase64Negotiation(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		body    string
		headers []string
	}{
		{"body flag", "/v1/screenshot", `{"url":"https://example.com","base64":true}`, nil},
		{"query flag", "/v1/screenshot?base64=true", `{"url":"https://example.com"}`, nil},
		{"accept header", "/v1/screenshot", `{"url":"https://example.com"}`, []string{"Accept", "application/json"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.ops.res = captureResult(true)

			rec := ts.do("POST", tc.path, "alice-key", tc.body, tc.headers...)
			require.Equal(t, http.StatusOK, rec.Code)
			env := decodeEnvelope(t, rec)

			assert.Equal(t, true, env["success"])
			assert.Equal(t, true, env["fromCache"])
			assert.EqualValues(t, 1, env["creditsCost"])
			assert.EqualValues(t, 9, env["creditsRemaining"])

			data := env["data"].(map[string]any)
			raw, err := base64.StdEncoding.DecodeString(data["data"].(string))
			require.NoError(t, err)
			assert.Equal(t, png, raw)
			assert.Equal(t, "f1", data["fileId"])
		})
	}
}

func TestMarkdownEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ops.res = &metering.Result{
		Output:           &models.PageContent{Op: models.KindMarkdown, URL: "https://example.com/", Content: "# Hi"},
		CreditsCost:      1,
		CreditsRemaining: 0,
	}

	rec := ts.do("POST", "/v1/markdown", "alice-key", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, false, env["fromCache"])
	assert.EqualValues(t, 0, env["creditsRemaining"])
	assert.Equal(t, "# Hi", env["data"].(map[string]any)["content"])
}

func TestBinaryEndpointErrorsUseEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ops.err = models.InsufficientCredits(1, 0)

	rec := ts.do("POST", "/v1/screenshot", "alice-key", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, false, env["success"])
	assert.EqualValues(t, 0, env["creditsCost"])

	e := env["error"].(map[string]any)
	assert.Equal(t, "INSUFFICIENT_CREDITS", e["code"])
	assert.EqualValues(t, 1, e["required"])
	assert.EqualValues(t, 0, e["available"])
}

func TestOperationFailureStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ops.err = models.Errorf(models.CodeNavigationFailed, "could not load https://example.com")

	rec := ts.do("POST", "/v1/pdf", "alice-key", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "NAVIGATION_FAILED", decodeEnvelope(t, rec)["error"].(map[string]any)["code"])
}

func TestValidationRejectsBeforeMetering(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{
		`{"url":"https://example.com","responseType":"text"}`,
		`{"url":"ftp://example.com","prompt":"x"}`,
		`not json`,
		``,
	} {
		rec := ts.do("POST", "/v1/json", "alice-key", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "VALIDATION_FAILED", decodeEnvelope(t, rec)["error"].(map[string]any)["code"], body)
	}
	assert.Empty(t, ts.ops.calls)
}

func TestUnauthorized(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("POST", "/v1/markdown", "", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do("GET", "/v1/credits", "wrong-key", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeEnvelope(t, rec)["error"].(map[string]any)["code"])
	assert.Empty(t, ts.ops.calls)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, ratelimit.NewLimiter(ratelimit.Limit{RequestsPerHour: 1, Burst: 1}, nil))
	ts.ops.res = &metering.Result{Output: &models.LinksOutput{URL: "https://example.com/"}, CreditsCost: 1}

	rec := ts.do("POST", "/v1/links", "bob-key", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = ts.do("POST", "/v1/links", "bob-key", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeEnvelope(t, rec)["error"].(map[string]any)["code"])

	// Balance lookups are not rate limited.
	rec = ts.do("GET", "/v1/credits", "bob-key", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCredits(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/v1/credits", "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "alice", data["userId"])
	assert.EqualValues(t, 42, data["balance"])
}

func TestFiles(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/v1/files/f1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())

	rec = ts.do("GET", "/v1/files/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do("DELETE", "/v1/files/f1", "bob-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "only the owner may delete")
	assert.Empty(t, ts.files.deleted)

	rec = ts.do("DELETE", "/v1/files/f1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do("DELETE", "/v1/files/f1", "alice-key", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"f1"}, ts.files.deleted)
}

func TestDebugActors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/v1/debug/actors", "bob-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decodeEnvelope(t, rec)["data"].([]any)
	require.Len(t, infos, 1)
	assert.Equal(t, "bob", infos[0].(map[string]any)["userId"])

	rec = ts.do("GET", "/v1/debug/actors", "root-key", "")
	assert.Len(t, decodeEnvelope(t, rec)["data"].([]any), 2)
}

func TestDebugWorkspace(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/v1/debug/workspace", "alice-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "tarball", rec.Body.String())

	rec = ts.do("GET", "/v1/debug/workspace", "bob-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do("GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do("OPTIONS", "/v1/screenshot", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Credits-Cost")
}
