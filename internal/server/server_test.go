package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewmarion/workflow-service/internal/engine/enginetest"
	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/registry"
	"github.com/matthewmarion/workflow-service/internal/server"
	"github.com/matthewmarion/workflow-service/internal/store"
	"github.com/matthewmarion/workflow-service/internal/trigger"
	"github.com/matthewmarion/workflow-service/internal/worker"
)

type recordingInvoker struct {
	mu       sync.Mutex
	requests []jobs.Request
	err      error
}

func (i *recordingInvoker) Invoke(_ context.Context, req jobs.Request) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.requests = append(i.requests, req)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore, *recordingInvoker) {
	t.Helper()
	s := store.NewMemoryStore(0)
	inv := &recordingInvoker{}
	ts := httptest.NewServer(server.New(s, inv).Handler())
	t.Cleanup(ts.Close)
	return ts, s, inv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func seed(t *testing.T, s store.Store, id string) {
	t.Helper()
	require.NoError(t, jobs.Save(context.Background(), s, &jobs.JobAssignment{
		ID:      jobs.AssignmentID(id),
		JobType: jobs.WorkflowJobType,
		Status:  jobs.StatusRunning,
		Tracker: &jobs.Tracker{ID: "tracker-" + id},
	}))
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateJobAssignment(t *testing.T) {
	ts, s, inv := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments", `{
		"jobProfile": "test1",
		"jobInput": {"inputFile": "s3://bucket/in.mp4"},
		"tracker": {"id": "tracker-1", "label": "upload"}
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created jobs.JobAssignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.ID, jobs.AssignmentPath+"/"))
	assert.Equal(t, jobs.StatusNew, created.Status)
	assert.Equal(t, jobs.WorkflowJobType, created.JobType)

	stored, err := jobs.Load(context.Background(), s, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "test1", stored.JobProfile)

	require.Len(t, inv.requests, 1)
	req := inv.requests[0]
	assert.Equal(t, worker.OpProcessJobAssignment, req.OperationName)
	assert.Equal(t, created.ID, req.JobAssignmentID())
	assert.Equal(t, "tracker-1", req.Tracker.ID)
}

func TestCreateJobAssignment_BadRequests(t *testing.T) {
	ts, _, inv := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/job-assignments", `{"jobInput":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, inv.requests)
}

func TestCreateJobAssignment_InvokeFailure(t *testing.T) {
	ts, _, inv := newTestServer(t)
	inv.err = errors.New("worker unavailable")

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments", `{"jobProfile":"test1"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetListDeleteJobAssignment(t *testing.T) {
	ts, s, _ := newTestServer(t)
	seed(t, s, "a1")
	seed(t, s, "a2")

	resp := do(t, http.MethodGet, ts.URL+"/job-assignments/a1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a jobs.JobAssignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	assert.Equal(t, jobs.AssignmentID("a1"), a.ID)

	resp = do(t, http.MethodGet, ts.URL+"/job-assignments", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []jobs.JobAssignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)

	resp = do(t, http.MethodDelete, ts.URL+"/job-assignments/a1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/job-assignments/a1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/job-assignments/a1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJobAssignment(t *testing.T) {
	ts, s, inv := newTestServer(t)
	seed(t, s, "a1")

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments/a1/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, inv.requests, 1)
	assert.Equal(t, worker.OpProcessCancel, inv.requests[0].OperationName)

	resp = do(t, http.MethodPost, ts.URL+"/job-assignments/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotification_Validation(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		message string
	}{
		{
			name:   "unknown job assignment",
			path:   "/job-assignments/missing/notifications?taskToken=t",
			body:   `{"content":{"status":"Completed"}}`,
			status: http.StatusNotFound,
		},
		{
			name:    "missing body",
			path:    "/job-assignments/a1/notifications?taskToken=t",
			body:    "",
			status:  http.StatusBadRequest,
			message: "Missing request body",
		},
		{
			name:    "missing content",
			path:    "/job-assignments/a1/notifications?taskToken=t",
			body:    `{"source":"/jobs/1"}`,
			status:  http.StatusBadRequest,
			message: "Missing notification content",
		},
		{
			name:    "missing status",
			path:    "/job-assignments/a1/notifications?taskToken=t",
			body:    `{"content":{"id":"/jobs/1"}}`,
			status:  http.StatusBadRequest,
			message: "Missing notification content status",
		},
		{
			name:    "missing task token",
			path:    "/job-assignments/a1/notifications",
			body:    `{"content":{"status":"Completed"}}`,
			status:  http.StatusBadRequest,
			message: "Missing 'taskToken' query string parameter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, s, inv := newTestServer(t)
			seed(t, s, "a1")

			resp := do(t, http.MethodPost, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.message != "" {
				assert.Equal(t, tt.message, decodeError(t, resp))
			}
			assert.Empty(t, inv.requests)
		})
	}
}

func TestNotification_InvokesWorker(t *testing.T) {
	ts, s, inv := newTestServer(t)
	seed(t, s, "a1")

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments/a1/notifications?taskToken=tok%2B1",
		`{"source":"/jobs/7","content":{"id":"/jobs/7","status":"Completed"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, inv.requests, 1)
	req := inv.requests[0]
	assert.Equal(t, worker.OpProcessNotification, req.OperationName)
	assert.Equal(t, "tracker-a1", req.Tracker.ID)

	var in worker.NotificationInput
	require.NoError(t, req.DecodeInput(&in))
	assert.Equal(t, jobs.AssignmentID("a1"), in.JobAssignmentID)
	assert.Equal(t, "tok+1", in.TaskToken)
	assert.JSONEq(t, `"/jobs/7"`, string(in.Notification.Source))
}

func TestListWorkflows(t *testing.T) {
	ts, s, _ := newTestServer(t)
	require.NoError(t, jobs.RegisterWorkflow(context.Background(), s, jobs.Workflow{Name: "test1", Definition: "arn:sm:test1"}))

	resp := do(t, http.MethodGet, ts.URL+"/workflows", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []jobs.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "test1", list[0].Name)
}

func TestReconcile_Queued(t *testing.T) {
	ts, _, inv := newTestServer(t)
	resp := do(t, http.MethodPost, ts.URL+"/reconcile", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, inv.requests, 1)
	assert.Equal(t, worker.OpReconcile, inv.requests[0].OperationName)
}

// TestEndToEnd runs the API against the real worker and an in-memory engine:
// the job assignment starts a workflow, the workflow step notifies
// completion of its job and the notification reaches the engine.
func TestEndToEnd(t *testing.T) {
	s := store.NewMemoryStore(0)
	eng := enginetest.New()
	reg := registry.New(s)
	rule := trigger.NewStoreRule("periodic-checker", s)

	w := worker.New(nil)
	(&worker.Operations{
		Store:     s,
		Engine:    eng,
		Registry:  reg,
		Trigger:   trigger.NewController(rule, s, trigger.WithSettle(0)),
		PublicURL: "http://workflow-service",
	}).Register(w)
	inv := worker.NewLocalInvoker(w)

	ts := httptest.NewServer(server.New(s, inv).Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	require.NoError(t, jobs.RegisterWorkflow(ctx, s, jobs.Workflow{Name: "test1", Definition: "arn:sm:test1"}))

	resp := do(t, http.MethodPost, ts.URL+"/job-assignments", `{"jobProfile":"test1","jobInput":{"inputFile":"x"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created jobs.JobAssignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	inv.Wait()

	a, err := jobs.Load(ctx, s, created.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, a.Status)
	require.Len(t, eng.Started, 1)

	var input struct {
		NotificationEndpoint jobs.NotificationEndpoint `json:"notificationEndpoint"`
	}
	require.NoError(t, json.Unmarshal(eng.Started[0].Input, &input))
	endpoint := input.NotificationEndpoint.HTTPEndpoint
	require.True(t, strings.HasPrefix(endpoint, "http://workflow-service/job-assignments/"))
	path := strings.TrimPrefix(endpoint, "http://workflow-service")

	resp = do(t, http.MethodPost, ts.URL+path+"?taskToken=tok-1", `{"source":"/jobs/7","content":{"status":"Failed"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inv.Wait()

	require.Len(t, eng.Failures, 1)
	assert.Equal(t, "tok-1", eng.Failures[0].Token)
	assert.Equal(t, worker.TaskErrorJobFailed, eng.Failures[0].Error)
}
