package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shiv-0101/featureflags/internal/core"
	"github.com/shiv-0101/featureflags/internal/repository"
	"github.com/shiv-0101/featureflags/internal/service"
)

type fakeService struct {
	createFlagFunc         func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	updateFlagFunc         func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	toggleFlagFunc         func(ctx context.Context, key string) (repository.Flag, error)
	getFlagFunc            func(ctx context.Context, key string) (repository.Flag, error)
	listFlagsFunc          func(ctx context.Context, enabled *bool) ([]repository.Flag, error)
	deleteFlagFunc         func(ctx context.Context, key string) error
	evaluateFunc           func(ctx context.Context, key string, user core.UserContext) (core.EvaluationResult, error)
	evaluateBulkFunc       func(ctx context.Context, keys []string, user core.UserContext) (map[string]core.EvaluationResult, error)
	evaluateAllEnabledFunc func(ctx context.Context, user core.UserContext) (map[string]core.EvaluationResult, error)
}

var errFakeNotImplemented = errors.New("not implemented")

func (f *fakeService) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.createFlagFunc == nil {
		return repository.Flag{}, errFakeNotImplemented
	}
	return f.createFlagFunc(ctx, flag)
}

func (f *fakeService) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.updateFlagFunc == nil {
		return repository.Flag{}, errFakeNotImplemented
	}
	return f.updateFlagFunc(ctx, flag)
}

func (f *fakeService) ToggleFlag(ctx context.Context, key string) (repository.Flag, error) {
	if f.toggleFlagFunc == nil {
		return repository.Flag{}, errFakeNotImplemented
	}
	return f.toggleFlagFunc(ctx, key)
}

func (f *fakeService) GetFlag(ctx context.Context, key string) (repository.Flag, error) {
	if f.getFlagFunc == nil {
		return repository.Flag{}, errFakeNotImplemented
	}
	return f.getFlagFunc(ctx, key)
}

func (f *fakeService) ListFlags(ctx context.Context, enabled *bool) ([]repository.Flag, error) {
	if f.listFlagsFunc == nil {
		return nil, errFakeNotImplemented
	}
	return f.listFlagsFunc(ctx, enabled)
}

func (f *fakeService) DeleteFlag(ctx context.Context, key string) error {
	if f.deleteFlagFunc == nil {
		return errFakeNotImplemented
	}
	return f.deleteFlagFunc(ctx, key)
}

func (f *fakeService) Evaluate(ctx context.Context, key string, user core.UserContext) (core.EvaluationResult, error) {
	if f.evaluateFunc == nil {
		return core.EvaluationResult{}, errFakeNotImplemented
	}
	return f.evaluateFunc(ctx, key, user)
}

func (f *fakeService) EvaluateBulk(ctx context.Context, keys []string, user core.UserContext) (map[string]core.EvaluationResult, error) {
	if f.evaluateBulkFunc == nil {
		return nil, errFakeNotImplemented
	}
	return f.evaluateBulkFunc(ctx, keys, user)
}

func (f *fakeService) EvaluateAllEnabled(ctx context.Context, user core.UserContext) (map[string]core.EvaluationResult, error) {
	if f.evaluateAllEnabledFunc == nil {
		return nil, errFakeNotImplemented
	}
	return f.evaluateAllEnabledFunc(ctx, user)
}

func do(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHandlerGetFlag(t *testing.T) {
	svc := &fakeService{
		getFlagFunc: func(_ context.Context, key string) (repository.Flag, error) {
			if key != "new_ui" {
				t.Fatalf("GetFlag key = %q, want %q", key, "new_ui")
			}
			return repository.Flag{
				Key:            "new_ui",
				Name:           "New UI",
				Enabled:        true,
				TargetingRules: json.RawMessage(`[]`),
			}, nil
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodGet, "/api/flags/new_ui", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got struct {
		Success bool            `json:"success"`
		Data    repository.Flag `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !got.Success || got.Data.Key != "new_ui" {
		t.Fatalf("response = %+v", got)
	}
}

func TestHTTPHandlerGetFlagNotFound(t *testing.T) {
	svc := &fakeService{
		getFlagFunc: func(context.Context, string) (repository.Flag, error) {
			return repository.Flag{}, service.ErrFlagNotFound
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodGet, "/api/flags/missing", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), `"error":"Not Found"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerListFlagsEnabledFilter(t *testing.T) {
	var gotFilter *bool
	svc := &fakeService{
		listFlagsFunc: func(_ context.Context, enabled *bool) ([]repository.Flag, error) {
			gotFilter = enabled
			return []repository.Flag{{Key: "on", Enabled: true}}, nil
		},
	}
	handler := NewHTTPHandler(svc, Options{})

	rec := do(handler, http.MethodGet, "/api/flags?enabled=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotFilter == nil || !*gotFilter {
		t.Fatalf("enabled filter = %v, want true", gotFilter)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("body = %q, want count field", rec.Body.String())
	}

	rec = do(handler, http.MethodGet, "/api/flags?enabled=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerCreateFlag(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(_ context.Context, flag repository.Flag) (repository.Flag, error) {
			return flag, nil
		},
	}

	body := `{"key":"new_ui","name":"New UI","enabled":true,"rolloutPercentage":25}`
	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/flags", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerCreateFlagConflict(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(context.Context, repository.Flag) (repository.Flag, error) {
			return repository.Flag{}, service.ErrFlagExists
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/flags", `{"key":"dup","name":"Dup"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if !strings.Contains(rec.Body.String(), `"error":"Conflict"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerCreateFlagInvalid(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(context.Context, repository.Flag) (repository.Flag, error) {
			return repository.Flag{}, service.ErrInvalidFlag
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/flags", `{"key":"BAD","name":"x"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerCreateFlagOversizedBody(t *testing.T) {
	svc := &fakeService{
		createFlagFunc: func(context.Context, repository.Flag) (repository.Flag, error) {
			t.Fatal("CreateFlag should not be called for oversized request bodies")
			return repository.Flag{}, nil
		},
	}

	oversized := strings.Repeat("a", defaultMaxJSONBodyBytes+1)
	body := `{"key":"new_ui","description":"` + oversized + `"}`

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/flags", body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHTTPHandlerUpdateFlagKeyMismatch(t *testing.T) {
	svc := &fakeService{}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPut, "/api/flags/new_ui", `{"key":"other_key","name":"x"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerUpdateFlagUsesPathKey(t *testing.T) {
	svc := &fakeService{
		updateFlagFunc: func(_ context.Context, flag repository.Flag) (repository.Flag, error) {
			if flag.Key != "new_ui" {
				t.Fatalf("UpdateFlag key = %q, want %q", flag.Key, "new_ui")
			}
			return flag, nil
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPut, "/api/flags/new_ui", `{"name":"Renamed"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerDeleteFlag(t *testing.T) {
	svc := &fakeService{
		deleteFlagFunc: func(_ context.Context, key string) error {
			if key != "old_flag" {
				t.Fatalf("DeleteFlag key = %q, want %q", key, "old_flag")
			}
			return nil
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodDelete, "/api/flags/old_flag", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "deleted successfully") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerToggleFlag(t *testing.T) {
	svc := &fakeService{
		toggleFlagFunc: func(_ context.Context, key string) (repository.Flag, error) {
			return repository.Flag{Key: key, Name: "x", Enabled: true}, nil
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPatch, "/api/flags/new_ui/toggle", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `enabled`) {
		t.Fatalf("body = %q, want toggle state message", rec.Body.String())
	}
}

func TestHTTPHandlerEvaluate(t *testing.T) {
	bucket := 19
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, key string, user core.UserContext) (core.EvaluationResult, error) {
			if key != "checkout_redesign" || user.UserID != "user-1" {
				t.Fatalf("Evaluate(%q, %+v)", key, user)
			}
			if user.Attributes["country"] != "US" {
				t.Fatalf("attributes = %+v", user.Attributes)
			}
			return core.EvaluationResult{Enabled: true, Reason: core.ReasonRolloutIncluded, Bucket: &bucket}, nil
		},
	}

	body := `{"flagKey":"checkout_redesign","userId":"user-1","attributes":{"country":"US"}}`
	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/evaluate", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got evaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !got.Success || got.FlagKey != "checkout_redesign" || !got.Enabled {
		t.Fatalf("response = %+v", got)
	}
	if got.Reason != core.ReasonRolloutIncluded || got.Bucket == nil || *got.Bucket != 19 {
		t.Fatalf("response = %+v", got)
	}
}

func TestHTTPHandlerEvaluateMissingKey(t *testing.T) {
	rec := do(NewHTTPHandler(&fakeService{}, Options{}), http.MethodPost, "/api/evaluate", `{"userId":"u1"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "flagKey") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerEvaluateBulk(t *testing.T) {
	svc := &fakeService{
		evaluateBulkFunc: func(_ context.Context, keys []string, _ core.UserContext) (map[string]core.EvaluationResult, error) {
			results := make(map[string]core.EvaluationResult, len(keys))
			for _, key := range keys {
				results[key] = core.EvaluationResult{Reason: core.ReasonFlagNotFound}
			}
			return results, nil
		},
	}
	handler := NewHTTPHandler(svc, Options{})

	rec := do(handler, http.MethodPost, "/api/evaluate/bulk", `{"flagKeys":["a","b"],"userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got struct {
		Success bool                             `json:"success"`
		Results map[string]core.EvaluationResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %+v", got.Results)
	}

	rec = do(handler, http.MethodPost, "/api/evaluate/bulk", `{"userId":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status for empty flagKeys = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerEvaluateBulkTooManyKeys(t *testing.T) {
	svc := &fakeService{
		evaluateBulkFunc: func(context.Context, []string, core.UserContext) (map[string]core.EvaluationResult, error) {
			return nil, service.ErrTooManyKeys
		},
	}

	rec := do(NewHTTPHandler(svc, Options{}), http.MethodPost, "/api/evaluate/bulk", `{"flagKeys":["a"]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerEvaluateAll(t *testing.T) {
	svc := &fakeService{
		evaluateAllEnabledFunc: func(_ context.Context, user core.UserContext) (map[string]core.EvaluationResult, error) {
			return map[string]core.EvaluationResult{
				"on":  {Enabled: true, Reason: core.ReasonRolloutFull},
				"off": {Enabled: false, Reason: core.ReasonRolloutZero},
			}, nil
		},
	}
	handler := NewHTTPHandler(svc, Options{})

	rec := do(handler, http.MethodPost, "/api/evaluate/all", `{"userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got struct {
		Success bool            `json:"success"`
		Flags   map[string]bool `json:"flags"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !got.Flags["on"] || got.Flags["off"] {
		t.Fatalf("flags = %+v", got.Flags)
	}

	// Empty body means anonymous user context.
	rec = do(handler, http.MethodPost, "/api/evaluate/all", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status for empty body = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerMiddlewareScoping(t *testing.T) {
	var adminHits, evalHits int
	opts := Options{
		AdminAuth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				adminHits++
				next.ServeHTTP(w, r)
			})
		},
		EvalLimiter: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				evalHits++
				next.ServeHTTP(w, r)
			})
		},
	}
	svc := &fakeService{
		listFlagsFunc: func(context.Context, *bool) ([]repository.Flag, error) {
			return nil, nil
		},
		evaluateFunc: func(context.Context, string, core.UserContext) (core.EvaluationResult, error) {
			return core.EvaluationResult{Reason: core.ReasonFlagNotFound}, nil
		},
	}
	handler := NewHTTPHandler(svc, opts)

	do(handler, http.MethodGet, "/api/flags", "")
	if adminHits != 1 || evalHits != 0 {
		t.Fatalf("after admin route: adminHits=%d evalHits=%d", adminHits, evalHits)
	}

	do(handler, http.MethodPost, "/api/evaluate", `{"flagKey":"x"}`)
	if adminHits != 1 || evalHits != 1 {
		t.Fatalf("after evaluate route: adminHits=%d evalHits=%d", adminHits, evalHits)
	}

	do(handler, http.MethodGet, "/healthz", "")
	if adminHits != 1 || evalHits != 1 {
		t.Fatalf("health route should be unwrapped: adminHits=%d evalHits=%d", adminHits, evalHits)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	rec := do(NewHTTPHandler(&fakeService{}, Options{}), http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPHandlerMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := do(NewHTTPHandler(&fakeService{}, Options{Metrics: metrics}), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = do(NewHTTPHandler(&fakeService{}, Options{}), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status without metrics handler = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
