package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"pharmwatch/internal/acquire"
	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/store"
	"pharmwatch/internal/upstream"

	"github.com/gin-gonic/gin"
)

type mockAcquirer struct {
	result acquire.Result
	err    error
	calls  int
	opts   acquire.Options
}

func (m *mockAcquirer) AcquireSuppliersForKeyword(ctx context.Context, keyword string, opts acquire.Options) (acquire.Result, error) {
	m.calls++
	m.opts = opts
	return m.result, m.err
}

type mockSaver struct {
	stats store.PersistStats
	err   error
	calls int
}

func (m *mockSaver) SaveOffers(ctx context.Context, offers []upstream.Offer) (store.PersistStats, error) {
	m.calls++
	return m.stats, m.err
}

type mockTaskStore struct {
	task       *model.CrawlTask
	created    *model.CrawlTask
	cancelled  bool
	cancelHits int
}

func (m *mockTaskStore) CreateTask(ctx context.Context, name string, keywords []string) (*model.CrawlTask, error) {
	m.created = &model.CrawlTask{ID: 11, Name: name, TotalKeywords: len(keywords), Status: model.TaskStatusPending}
	return m.created, nil
}

func (m *mockTaskStore) GetTask(ctx context.Context, id uint) (*model.CrawlTask, error) {
	return m.task, nil
}

func (m *mockTaskStore) CancelTask(ctx context.Context, id uint) (bool, error) {
	m.cancelHits++
	return m.cancelled, nil
}

type mockSubmitter struct {
	submitted  []uint
	priorities []int
	cancels    []uint
}

func (m *mockSubmitter) SubmitTask(ctx context.Context, taskID uint, source string, priority int) error {
	m.submitted = append(m.submitted, taskID)
	m.priorities = append(m.priorities, priority)
	return nil
}

func (m *mockSubmitter) CancelTask(ctx context.Context, taskID uint) error {
	m.cancels = append(m.cancels, taskID)
	return nil
}

func newTestServer(acquirer Acquirer, saver OfferSaver, tasks TaskStore, submitter TaskSubmitter) *Server {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics(1)
	return &Server{
		cfg: &config.Config{App: config.AppConfig{
			MinProviders:   5,
			KeywordTimeout: 10_000_000_000,
		}},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		acquirer:  acquirer,
		saver:     saver,
		tasks:     tasks,
		submitter: submitter,
	}
}

func doJSON(t *testing.T, handler gin.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Handle(method, path, handler)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCrawlSmart(t *testing.T) {
	acq := &mockAcquirer{result: acquire.Result{
		Method:        acquire.MethodHybrid,
		Offers:        []upstream.Offer{{Name: "阿莫西林胶囊", PriceCents: 1250, SupplierName: "甲"}},
		EndpointCount: 2,
		BrowserCount:  10,
	}}
	saver := &mockSaver{stats: store.PersistStats{DrugsUpserted: 1, PricesWritten: 11}}
	s := newTestServer(acq, saver, &mockTaskStore{}, &mockSubmitter{})

	w := doJSON(t, s.handleCrawlSmart, http.MethodPost, "/crawl/smart", map[string]any{
		"keyword":       "阿莫西林",
		"min_providers": 3,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if acq.calls != 1 || saver.calls != 1 {
		t.Errorf("calls acquirer=%d saver=%d", acq.calls, saver.calls)
	}
	if acq.opts.MinProviders != 3 {
		t.Errorf("min_providers = %d, want 3", acq.opts.MinProviders)
	}

	var resp crawlResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Method != acquire.MethodHybrid || resp.PricesWritten != 11 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Sample) != 1 || resp.Sample[0].Price != "12.50" {
		t.Errorf("sample = %+v", resp.Sample)
	}
}

func TestCrawlEmptyKeyword(t *testing.T) {
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	w := doJSON(t, s.handleCrawlSmart, http.MethodPost, "/crawl/smart", map[string]any{"keyword": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCrawlQuickSkipsBrowser(t *testing.T) {
	acq := &mockAcquirer{result: acquire.Result{Method: acquire.MethodEndpoint}}
	s := newTestServer(acq, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	w := doJSON(t, s.handleCrawlQuick, http.MethodPost, "/crawl/quick", map[string]any{"keyword": "感冒灵"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !acq.opts.SkipBrowser {
		t.Error("quick mode must set SkipBrowser")
	}
}

func TestCrawlFullForcesBrowser(t *testing.T) {
	acq := &mockAcquirer{result: acquire.Result{Method: acquire.MethodBrowser}}
	s := newTestServer(acq, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	w := doJSON(t, s.handleCrawlFull, http.MethodPost, "/crawl/full", map[string]any{"keyword": "感冒灵"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !acq.opts.BrowserOnly || !acq.opts.ForceBrowser {
		t.Errorf("full mode opts = %+v", acq.opts)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&errs.AuthError{Message: "nope"}, http.StatusUnauthorized},
		{&errs.RateLimited{RetryAfter: 5_000_000_000}, http.StatusTooManyRequests},
		{&errs.UpstreamClientError{Status: 502}, http.StatusBadGateway},
		{&errs.UpstreamProtocolError{Code: "50001"}, http.StatusBadGateway},
		{&errs.PersistenceError{Op: "x"}, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		acq := &mockAcquirer{err: tc.err}
		s := newTestServer(acq, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})
		w := doJSON(t, s.handleCrawlSmart, http.MethodPost, "/crawl/smart", map[string]any{"keyword": "感冒"})
		if w.Code != tc.want {
			t.Errorf("error %T: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestCrawlBatch(t *testing.T) {
	tasks := &mockTaskStore{}
	submitter := &mockSubmitter{}
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, tasks, submitter)

	w := doJSON(t, s.handleCrawlBatch, http.MethodPost, "/crawl/batch", map[string]any{
		"name":     "每周采集",
		"keywords": []string{"阿莫西林", " 布洛芬 ", ""},
		"priority": 2,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if tasks.created == nil || tasks.created.TotalKeywords != 2 {
		t.Fatalf("created = %+v", tasks.created)
	}
	if len(submitter.submitted) != 1 || submitter.submitted[0] != 11 {
		t.Errorf("submitted = %v", submitter.submitted)
	}
	if len(submitter.priorities) != 1 || submitter.priorities[0] != 2 {
		t.Errorf("priorities = %v", submitter.priorities)
	}
}

func TestCrawlBatchEmptyKeywords(t *testing.T) {
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	w := doJSON(t, s.handleCrawlBatch, http.MethodPost, "/crawl/batch", map[string]any{
		"name":     "空任务",
		"keywords": []string{"  "},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCancelTaskPublishesCancel(t *testing.T) {
	tasks := &mockTaskStore{cancelled: true}
	submitter := &mockSubmitter{}
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, tasks, submitter)

	r := gin.New()
	r.DELETE("/tasks/:id", s.handleCancelTask)
	req := httptest.NewRequest(http.MethodDelete, "/tasks/7", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if tasks.cancelHits != 1 || len(submitter.cancels) != 1 || submitter.cancels[0] != 7 {
		t.Errorf("cancelHits=%d cancels=%v", tasks.cancelHits, submitter.cancels)
	}
}

func TestCancelAlreadyTerminalSkipsPublish(t *testing.T) {
	tasks := &mockTaskStore{cancelled: false}
	submitter := &mockSubmitter{}
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, tasks, submitter)

	r := gin.New()
	r.DELETE("/tasks/:id", s.handleCancelTask)
	req := httptest.NewRequest(http.MethodDelete, "/tasks/7", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(submitter.cancels) != 0 {
		t.Errorf("terminal task must not publish cancel: %v", submitter.cancels)
	}
}

func TestGetTaskSnapshot(t *testing.T) {
	tasks := &mockTaskStore{task: &model.CrawlTask{
		ID: 5, Status: model.TaskStatusRunning,
		TotalKeywords: 20, CompletedKeywords: 5, FailedKeywords: 1, TotalItems: 88,
	}}
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, tasks, &mockSubmitter{})

	r := gin.New()
	r.GET("/tasks/:id", s.handleGetTask)
	req := httptest.NewRequest(http.MethodGet, "/tasks/5", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot["status"] != "running" || snapshot["completed_keywords"].(float64) != 5 {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	r := gin.New()
	r.GET("/search", s.handleSearch)
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCompareRequiresDrugID(t *testing.T) {
	s := newTestServer(&mockAcquirer{}, &mockSaver{}, &mockTaskStore{}, &mockSubmitter{})

	r := gin.New()
	r.GET("/compare", s.handleCompare)
	req := httptest.NewRequest(http.MethodGet, "/compare?drug_id=abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
