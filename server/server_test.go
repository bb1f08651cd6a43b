package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learning_path_generator/generator"
	"learning_path_generator/progress"
)

const validBody = `{
	"google_api_key": "key",
	"youtube_url": "https://mcp.pipedream.net/yt",
	"secondary_tool": "Notion",
	"notion_url": "https://mcp.pipedream.net/notion",
	"goal": "I want to learn python basics in 3 days"
}`

func newTestServer(t *testing.T, runner generator.Runner) (*httptest.Server, *generator.Store) {
	t.Helper()
	reg := prometheus.NewRegistry()
	store := generator.NewStore(runner, time.Hour, generator.Options{Metrics: generator.NewMetrics(reg)})
	srv, err := New(store, nil, reg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, store
}

func okRunner() generator.Runner {
	return generator.RunnerFunc(func(ctx context.Context, req generator.Request, report generator.ProgressFunc) (generator.Result, error) {
		report(progress.MsgSetup)
		report(progress.MsgNotion)
		report(progress.MsgCreateAgent)
		report(progress.MsgGenerating)
		report(progress.MsgComplete)
		return generator.Result{Title: "Python", Messages: []generator.Message{
			{Role: generator.RoleAssistant, Content: "# Python\n\nDay 1"},
		}}, nil
	})
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body sessionResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.SessionID)
	return body.SessionID
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestGenerateValidation(t *testing.T) {
	called := false
	runner := generator.RunnerFunc(func(ctx context.Context, req generator.Request, report generator.ProgressFunc) (generator.Result, error) {
		called = true
		return generator.Result{}, nil
	})
	ts, _ := newTestServer(t, runner)
	id := createSession(t, ts)

	resp, body := post(t, ts.URL+"/api/sessions/"+id+"/generate", `{"youtube_url": "x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Please enter your Google API key in the sidebar.", body["error"])
	assert.Equal(t, "google_api_key", body["field"])
	assert.Equal(t, "error", body["level"])

	resp, body = post(t, ts.URL+"/api/sessions/"+id+"/generate", `{"google_api_key": "k", "youtube_url": "x", "drive_url": "d"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "warning", body["level"])

	resp, _ = post(t, ts.URL+"/api/sessions/"+id+"/generate", `{"secondary_tool": "Dropbox"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	assert.False(t, called)
}

func TestGenerateAndStream(t *testing.T) {
	ts, store := newTestServer(t, okRunner())
	id := createSession(t, ts)

	resp, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sess, err := store.Get(id)
	require.NoError(t, err)
	<-sess.Done()

	// after the run the stream replays everything and closes
	stream, err := http.Get(ts.URL + "/api/sessions/" + id + "/events")
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var kinds []string
	var lastData string
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if k, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, k)
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = d
		}
	}
	assert.Equal(t, []string{"progress", "progress", "progress", "progress", "progress", "result"}, kinds)

	var ev eventView
	require.NoError(t, json.Unmarshal([]byte(lastData), &ev))
	require.Len(t, ev.Rendered, 1)
	assert.Contains(t, ev.Rendered[0].HTML, "<h1>Python</h1>")

	get, err := http.Get(ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	defer get.Body.Close()
	var snap sessionResp
	require.NoError(t, json.NewDecoder(get.Body).Decode(&snap))
	assert.False(t, snap.Busy)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Python", snap.Result.Title)
}

func TestGenerateBusy(t *testing.T) {
	release := make(chan struct{})
	runner := generator.RunnerFunc(func(ctx context.Context, req generator.Request, report generator.ProgressFunc) (generator.Result, error) {
		<-release
		return generator.Result{}, nil
	})
	ts, _ := newTestServer(t, runner)
	id := createSession(t, ts)
	defer close(release)

	resp, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, generator.ErrBusy.Error(), body["error"])
}

func TestCancel(t *testing.T) {
	runner := generator.RunnerFunc(func(ctx context.Context, req generator.Request, report generator.ProgressFunc) (generator.Result, error) {
		<-ctx.Done()
		return generator.Result{}, ctx.Err()
	})
	ts, store := newTestServer(t, runner)
	id := createSession(t, ts)

	_, body := post(t, ts.URL+"/api/sessions/"+id+"/cancel", "")
	assert.Equal(t, false, body["cancelled"])

	resp, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, body = post(t, ts.URL+"/api/sessions/"+id+"/cancel", "")
	assert.Equal(t, true, body["cancelled"])

	sess, _ := store.Get(id)
	<-sess.Done()
	assert.Equal(t, "Generation cancelled.", sess.Snapshot().Error)
}

func TestUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, okRunner())
	resp, err := http.Get(ts.URL + "/api/sessions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session not found", body["error"])
}

func TestStaticAndOps(t *testing.T) {
	ts, _ := newTestServer(t, okRunner())

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	id := createSession(t, ts)
	r, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, r.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	sc := bufio.NewScanner(metrics.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), `learnpath_generate_rejected_total{reason="validation"} 1`) {
			found = true
		}
	}
	assert.True(t, found)
}

func readStream(t *testing.T, url, lastEventID string) (kinds []string, data []string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if k, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, k)
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, d)
		}
	}
	return kinds, data
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	ts, store := newTestServer(t, okRunner())
	id := createSession(t, ts)
	resp, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sess, err := store.Get(id)
	require.NoError(t, err)
	<-sess.Done()

	url := ts.URL + "/api/sessions/" + id + "/events"
	kinds, data := readStream(t, url, "4")
	assert.Equal(t, []string{"progress", "result"}, kinds)
	var ev eventView
	require.NoError(t, json.Unmarshal([]byte(data[0]), &ev))
	assert.Equal(t, 5, ev.Seq)

	kinds, _ = readStream(t, url+"?after=5", "")
	assert.Equal(t, []string{"result"}, kinds)

	kinds, _ = readStream(t, url, "garbage")
	assert.Len(t, kinds, 6)
}

func TestStreamFailureEventName(t *testing.T) {
	runner := generator.RunnerFunc(func(ctx context.Context, req generator.Request, report generator.ProgressFunc) (generator.Result, error) {
		report(progress.MsgSetup)
		return generator.Result{}, errors.New("invalid api key")
	})
	ts, store := newTestServer(t, runner)
	id := createSession(t, ts)
	resp, _ := post(t, ts.URL+"/api/sessions/"+id+"/generate", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sess, err := store.Get(id)
	require.NoError(t, err)
	<-sess.Done()

	kinds, data := readStream(t, ts.URL+"/api/sessions/"+id+"/events", "")
	// "error" is reserved by EventSource for connection failures
	assert.Equal(t, []string{"progress", "failed"}, kinds)
	assert.NotContains(t, kinds, "error")
	var ev eventView
	require.NoError(t, json.Unmarshal([]byte(data[1]), &ev))
	assert.Equal(t, "Please check your API keys and URLs, and try again.", ev.Hint)
}

func TestGenerateMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, okRunner())
	id := createSession(t, ts)
	resp, body := post(t, ts.URL+"/api/sessions/"+id+"/generate", `{"goal":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestPageListensForFailedEvents(t *testing.T) {
	page, err := embeddedStatic.ReadFile("web/dist/index.html")
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, `addEventListener("failed"`)
	assert.NotContains(t, html, `addEventListener("error"`)
	assert.Contains(t, html, "ev.seq <= lastSeq")
	assert.Contains(t, html, "r.status === 404 && !retried")
}
