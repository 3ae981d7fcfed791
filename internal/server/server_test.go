package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/contractocr/internal/merger"
	"github.com/local/contractocr/internal/queue"
	"github.com/local/contractocr/internal/store"
)

type memQueue struct {
	jobs      []queue.Job
	cancelled []string
	fail      bool
}

func (q *memQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if q.fail {
		return errors.New("redis down")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) CancelJob(ctx context.Context, id string) error {
	q.cancelled = append(q.cancelled, id)
	return nil
}

type memStatus struct {
	mu sync.Mutex
	m  map[string]store.Status
}

func (s *memStatus) Set(ctx context.Context, id string, st store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]store.Status{}
	}
	s.m[id] = st
	return nil
}

func (s *memStatus) Get(ctx context.Context, id string) (store.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	return st, ok, nil
}

type memPages map[string][]store.PageReport

func (m memPages) List(ctx context.Context, id string) ([]store.PageReport, error) { return m[id], nil }

func newTestServer(t *testing.T, q *memQueue, st *memStatus) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := New(Dependencies{
		Queue:  q,
		Status: st,
		Pages:  memPages{"j1": {{Label: "1"}, {Label: "2.1"}}},
		Merger: merger.New(nil, merger.Options{Now: func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }}),
	}, Options{UploadDir: filepath.Join(dir, "incoming"), MaxUploadMB: 1, WorkDir: dir})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, dir
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitUploadSavesFileAndQueues(t *testing.T) {
	q, st := &memQueue{}, &memStatus{}
	ts, dir := newTestServer(t, q, st)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "contract.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF-1.7\n"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/v1/jobs", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var got jobResp
	decode(t, resp, &got)

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, got.JobID, job.JobID)
	assert.Equal(t, "contract.pdf", job.Name)
	require.True(t, strings.HasPrefix(job.Ref, "file://"))
	local := strings.TrimPrefix(job.Ref, "file://")
	assert.True(t, strings.HasPrefix(local, dir))
	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7\n", string(b))

	s, ok, _ := st.Get(context.Background(), got.JobID)
	require.True(t, ok)
	assert.Equal(t, store.StateQueued, s.Status)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	q := &memQueue{}
	ts, _ := newTestServer(t, q, &memStatus{})

	for name, body := range map[string]string{
		"not json":   "nope",
		"no ref":     `{}`,
		"bad scheme": `{"ref":"ftp://host/a.pdf"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	_, _ = fw.Write([]byte("plain text"))
	_ = mw.Close()
	resp, err := http.Post(ts.URL+"/v1/jobs", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, q.jobs)
}

func TestSubmitRefAndQueueFailure(t *testing.T) {
	q := &memQueue{}
	ts, _ := newTestServer(t, q, &memStatus{})
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{"ref":"s3://contracts/2024/lease.pdf"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "lease.pdf", q.jobs[0].Name)

	q.fail = true
	resp, err = http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{"ref":"s3://contracts/b.pdf"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusCancelAndResult(t *testing.T) {
	q, st := &memQueue{}, &memStatus{}
	ts, dir := newTestServer(t, q, st)
	ctx := context.Background()

	merged := filepath.Join(dir, "merged_ocr_20240501_090000.txt")
	require.NoError(t, os.WriteFile(merged, []byte("第1条"), 0o644))
	_ = st.Set(ctx, "j1", store.Status{Status: store.StateCompleted, Progress: 100, Metadata: map[string]any{"merged_text": merged}})
	_ = st.Set(ctx, "j2", store.Status{Status: store.StateProcessing})

	resp, err := http.Get(ts.URL + "/v1/jobs/j1")
	require.NoError(t, err)
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, "completed", status["status"])
	assert.Len(t, status["pages"], 2)

	resp, err = http.Get(ts.URL + "/v1/jobs/j1/result")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b := new(bytes.Buffer)
	_, _ = b.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "第1条", b.String())

	resp, err = http.Get(ts.URL + "/v1/jobs/j2/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, del("j2"))
	assert.Equal(t, []string{"j2"}, q.cancelled)
	s, _, _ := st.Get(ctx, "j2")
	assert.Equal(t, store.StateCancelled, s.Status)
	assert.Equal(t, http.StatusConflict, del("j1"))
	assert.Equal(t, http.StatusNotFound, del("missing"))
}

func TestMergeEndpoint(t *testing.T) {
	ts, dir := newTestServer(t, &memQueue{}, &memStatus{})
	a := filepath.Join(dir, "document_ai_integrated_20240501_090000.txt")
	b := filepath.Join(dir, "gemini_integrated_20240501_090000.txt")
	require.NoError(t, os.WriteFile(a, []byte("甲"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("乙"), 0o644))

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/v1/merge", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"file_a":"` + b + `","file_b":"` + a + `"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]any
	decode(t, resp, &res)
	assert.Equal(t, "20240501_090000", res["timestamp"])
	assert.FileExists(t, filepath.Join(dir, "output", "merged_ocr_20240501_090000.txt"))

	other := filepath.Join(dir, "gemini_integrated_20240501_090001.txt")
	require.NoError(t, os.WriteFile(other, []byte("乙"), 0o644))
	resp = post(`{"file_a":"` + a + `","file_b":"` + other + `"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var me mergeErr
	decode(t, resp, &me)
	assert.Equal(t, merger.RuleTimestampMismatch, me.Rule)
}

func TestMergeRejectsPathsOutsideWorkDir(t *testing.T) {
	ts, dir := newTestServer(t, &memQueue{}, &memStatus{})
	outside := t.TempDir()
	for _, d := range []string{dir, outside} {
		require.NoError(t, os.WriteFile(filepath.Join(d, "document_ai_integrated_20240501_090000.txt"), []byte("甲"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(d, "gemini_integrated_20240501_090000.txt"), []byte("乙"), 0o644))
	}
	rel, err := filepath.Rel(dir, filepath.Join(outside, "gemini_integrated_20240501_090000.txt"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rel, ".."))

	for name, files := range map[string][2]string{
		"dot dot":         {"document_ai_integrated_20240501_090000.txt", rel},
		"dot dot inside":  {"document_ai_integrated_20240501_090000.txt", "sub/../../" + filepath.Base(outside) + "/gemini_integrated_20240501_090000.txt"},
		"absolute":        {filepath.Join(outside, "document_ai_integrated_20240501_090000.txt"), filepath.Join(outside, "gemini_integrated_20240501_090000.txt")},
		"system file":     {"/etc/passwd", "gemini_integrated_20240501_090000.txt"},
		"cleaned outside": {dir + "/../" + filepath.Base(outside) + "/document_ai_integrated_20240501_090000.txt", "gemini_integrated_20240501_090000.txt"},
	} {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(mergeReq{FileA: files[0], FileB: files[1]})
			resp, err := http.Post(ts.URL+"/v1/merge", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			var e map[string]string
			decode(t, resp, &e)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, e["error"], "outside the work directory")
		})
	}
	assert.NoDirExists(t, filepath.Join(outside, "output"))
	assert.NoDirExists(t, filepath.Join(dir, "output"))

	body, _ := json.Marshal(mergeReq{FileA: "gemini_integrated_20240501_090000.txt", FileB: "./document_ai_integrated_20240501_090000.txt"})
	resp, err := http.Post(ts.URL+"/v1/merge", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.FileExists(t, filepath.Join(dir, "output", "merged_ocr_20240501_090000.txt"))
}

func TestResultServesContractRecord(t *testing.T) {
	st := &memStatus{}
	ts, dir := newTestServer(t, &memQueue{}, st)
	record := filepath.Join(dir, "after_ocr", "lease.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(record), 0o755))
	require.NoError(t, os.WriteFile(record, []byte(`{"success":true}`), 0o644))
	_ = st.Set(context.Background(), "j1", store.Status{Status: store.StateCompleted, Metadata: map[string]any{"contract_json": record}})

	resp, err := http.Get(ts.URL + "/v1/jobs/j1/result?format=contract")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var got map[string]any
	decode(t, resp, &got)
	assert.Equal(t, true, got["success"])

	resp, err = http.Get(ts.URL + "/v1/jobs/j1/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, &memQueue{}, &memStatus{})
	for _, p := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}
