package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// newPreviewServer mounts the proxy routes the way main does, with the
// dev-server fallback on unmatched paths.
func newPreviewServer(t *testing.T, p *Preview) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	p.Routes(r)
	r.NotFound(p.DevFallback)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	addr, ok := ts.Listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("listener addr %T, want *net.TCPAddr", ts.Listener.Addr())
	}
	return addr.Port
}

type errorBody struct {
	Detail string `json:"detail"`
	Target string `json:"target"`
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestPreview_StripsPrefixAndRewritesHeaders(t *testing.T) {
	var gotHost, gotRealIP, gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotRealIP = r.Header.Get("X-Real-IP")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte("upstream-ok"))
	}))
	defer upstream.Close()
	port := serverPort(t, upstream)

	ts := newPreviewServer(t, NewPreview(0, 0))

	resp, err := http.Get(ts.URL + "/preview/" + strconv.Itoa(port) + "/some/path?q=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "upstream-ok" {
		t.Errorf("body = %q, want %q", body, "upstream-ok")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotPath != "/some/path" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/some/path")
	}
	if gotQuery != "q=1" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "q=1")
	}
	if gotHost != "localhost" {
		t.Errorf("upstream Host = %q, want %q", gotHost, "localhost")
	}
	if gotRealIP != "127.0.0.1" {
		t.Errorf("upstream X-Real-IP = %q, want %q", gotRealIP, "127.0.0.1")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestPreview_BarePortForwardsRoot(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	ts := newPreviewServer(t, NewPreview(0, 0))

	resp, err := http.Get(ts.URL + "/preview/" + strconv.Itoa(serverPort(t, upstream)))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/")
	}
}

func TestPreview_InvalidPortRejected(t *testing.T) {
	ts := newPreviewServer(t, NewPreview(0, 0))

	for _, raw := range []string{"99999", "abc"} {
		resp, err := http.Get(ts.URL + "/preview/" + raw + "/x")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("port %q: status = %d, want %d", raw, resp.StatusCode, http.StatusBadRequest)
		}
		if got := decodeError(t, resp).Detail; got != "invalid preview port" {
			t.Errorf("port %q: detail = %q", raw, got)
		}
		resp.Body.Close()
	}
}

func TestPreview_RecordsLastActivePort(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	port := serverPort(t, upstream)

	p := NewPreview(0, 0)
	ts := newPreviewServer(t, p)

	if got := p.LastActivePort(); got != 0 {
		t.Fatalf("LastActivePort before any request = %d, want 0", got)
	}

	resp, err := http.Get(ts.URL + "/preview/" + strconv.Itoa(port) + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if got := p.LastActivePort(); got != port {
		t.Errorf("LastActivePort = %d, want %d", got, port)
	}
}

func TestPreview_PreflightAnsweredLocally(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	ts := newPreviewServer(t, NewPreview(0, 0))

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/preview/"+strconv.Itoa(serverPort(t, upstream))+"/api", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods missing")
	}
	if hits != 0 {
		t.Errorf("preflight reached upstream %d times, want 0", hits)
	}
}

func TestPreview_UpstreamDownReturns502(t *testing.T) {
	ts := newPreviewServer(t, NewPreview(0, 0))

	// Nothing listens on port 1.
	resp, err := http.Get(ts.URL + "/preview/1/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	body := decodeError(t, resp)
	if !strings.HasPrefix(body.Detail, "upstream unreachable") {
		t.Errorf("detail = %q, want upstream unreachable prefix", body.Detail)
	}
	if body.Target != "localhost:1" {
		t.Errorf("target = %q, want %q", body.Target, "localhost:1")
	}
}

func TestDevFallback_UnknownPathIs404(t *testing.T) {
	ts := newPreviewServer(t, NewPreview(0, 0))

	resp, err := http.Get(ts.URL + "/definitely/not/routed")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if got := decodeError(t, resp).Detail; got != "not found" {
		t.Errorf("detail = %q, want %q", got, "not found")
	}
}

func TestDevFallback_RefererSelectsPort(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()
	port := serverPort(t, upstream)

	ts := newPreviewServer(t, NewPreview(0, 0))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/_next/static/app.js", nil)
	req.Header.Set("Referer", "http://127.0.0.1:3456/preview/"+strconv.Itoa(port)+"/")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotPath != "/_next/static/app.js" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/_next/static/app.js")
	}
}

func TestDevFallback_UsesLastActivePort(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()
	port := serverPort(t, upstream)

	ts := newPreviewServer(t, NewPreview(0, 0))

	// Prime the last active port with an explicit preview hit.
	resp, err := http.Get(ts.URL + "/preview/" + strconv.Itoa(port) + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/@vite/client")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotPath != "/@vite/client" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/@vite/client")
	}
}

func TestDevFallback_NoActivePreview(t *testing.T) {
	ts := newPreviewServer(t, NewPreview(0, 0))

	resp, err := http.Get(ts.URL + "/__vite/env")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := decodeError(t, resp).Detail; got != "No active preview" {
		t.Errorf("detail = %q, want %q", got, "No active preview")
	}
}

func TestPreview_MemoryServiceNotConfigured(t *testing.T) {
	ts := newPreviewServer(t, NewPreview(0, 0))

	resp, err := http.Get(ts.URL + "/memory/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if got := decodeError(t, resp).Detail; got != "memory service not configured" {
		t.Errorf("detail = %q", got)
	}
}

func TestPreview_MemoryServiceForwardsFullPath(t *testing.T) {
	var paths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer upstream.Close()

	ts := newPreviewServer(t, NewPreview(serverPort(t, upstream), 0))

	for _, path := range []string{"/memory/stats", "/stream/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
	if len(paths) != 2 || paths[0] != "/memory/stats" || paths[1] != "/stream/events" {
		t.Errorf("upstream paths = %v", paths)
	}
}

func TestPreview_WebSocketRelay(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("upstream accept error: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, msgType, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()
	port := serverPort(t, upstream)

	ts := newPreviewServer(t, NewPreview(0, 0))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/preview/" + strconv.Itoa(port) + "/ws"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial proxy ws: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Errorf("msgType = %v, want Text", msgType)
	}
	if string(data) != "echo:hello" {
		t.Errorf("data = %q, want %q", data, "echo:hello")
	}
	if gotPath != "/ws" {
		t.Errorf("upstream ws path = %q, want %q", gotPath, "/ws")
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
