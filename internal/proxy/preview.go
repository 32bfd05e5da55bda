// Package proxy forwards browser traffic to development servers running
// next to the daemon: /preview/{port}/* strips its prefix, absolute
// dev-server paths (Vite, Next.js, webpack) are routed by Referer or the
// last active preview port.
package proxy

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const DefaultUpstreamTimeout = 30 * time.Second

// Dev servers request these with absolute paths, bypassing the
// /preview/{port} prefix entirely.
var devServerPrefixes = []string{
	"/_next",
	"/@vite",
	"/@fs",
	"/@id",
	"/__vite",
	"/__webpack_hmr",
	"/node_modules/.vite",
}

var previewRefRe = regexp.MustCompile(`/preview/(\d{1,5})(?:/|$)`)

// Preview proxies HTTP and WebSocket requests to localhost ports and
// remembers the most recently targeted one for prefix-less dev-server
// asset requests.
type Preview struct {
	memoryPort int
	transport  *http.Transport

	mu         sync.Mutex
	lastActive int
}

// NewPreview builds the proxy. memoryPort is the optional sibling
// service behind /memory and /stream; zero disables it.
func NewPreview(memoryPort int, timeout time.Duration) *Preview {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &Preview{
		memoryPort: memoryPort,
		transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
	}
}

// Routes mounts the proxy endpoints. All methods pass through.
func (p *Preview) Routes(r chi.Router) {
	r.HandleFunc("/preview/{port}", p.handlePreview)
	r.HandleFunc("/preview/{port}/*", p.handlePreview)
	r.HandleFunc("/memory/*", p.handleMemory)
	r.HandleFunc("/stream/*", p.handleMemory)
}

// LastActivePort reports the most recent explicitly targeted preview
// port, zero when none has been hit yet.
func (p *Preview) LastActivePort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *Preview) handlePreview(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil || !validPort(port) {
		writeDetail(w, http.StatusBadRequest, "invalid preview port", "")
		return
	}

	p.mu.Lock()
	p.lastActive = port
	p.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/preview/"+raw)
	if path == "" {
		path = "/"
	}
	p.forward(w, r, port, path)
}

func (p *Preview) handleMemory(w http.ResponseWriter, r *http.Request) {
	if p.memoryPort == 0 {
		writeDetail(w, http.StatusBadGateway, "memory service not configured", "")
		return
	}
	p.forward(w, r, p.memoryPort, r.URL.Path)
}

// DevFallback handles requests no route matched. Dev-server asset paths
// are proxied to the port named by the Referer, falling back to the
// last active preview port; everything else is a plain 404.
func (p *Preview) DevFallback(w http.ResponseWriter, r *http.Request) {
	if !isDevServerPath(r.URL.Path) {
		writeDetail(w, http.StatusNotFound, "not found", "")
		return
	}
	port, ok := p.resolvePort(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "No active preview", "")
		return
	}
	p.forward(w, r, port, r.URL.Path)
}

// forward relays one request to localhost:port with the given upstream
// path. Preflight OPTIONS is answered locally.
func (p *Preview) forward(w http.ResponseWriter, r *http.Request, port int, path string) {
	if r.Method == http.MethodOptions && !isUpgrade(r) {
		setCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	addr := "localhost:" + strconv.Itoa(port)
	if isUpgrade(r) {
		relayWebSocket(w, r, addr, path)
		return
	}

	target := &url.URL{Scheme: "http", Host: addr}
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.Out.Host = "localhost"
			pr.Out.Header.Set("X-Real-IP", "127.0.0.1")
			pr.Out.Header.Set("X-Forwarded-For", "127.0.0.1")
		},
		ModifyResponse: func(resp *http.Response) error {
			setCORS(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[preview] upstream %s failed: %v", addr, err)
			writeDetail(w, http.StatusBadGateway, "upstream unreachable: "+err.Error(), addr)
		},
	}
	rp.ServeHTTP(w, r)
}

func (p *Preview) resolvePort(r *http.Request) (int, bool) {
	if m := previewRefRe.FindStringSubmatch(r.Header.Get("Referer")); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil && validPort(port) {
			return port, true
		}
	}
	p.mu.Lock()
	last := p.lastActive
	p.mu.Unlock()
	if last != 0 {
		return last, true
	}
	return 0, false
}

func relayWebSocket(w http.ResponseWriter, r *http.Request, addr, path string) {
	// Negotiate subprotocols from the client request.
	requestedProtocol := r.Header.Get("Sec-WebSocket-Protocol")
	var subprotocols []string
	if requestedProtocol != "" {
		subprotocols = strings.Split(requestedProtocol, ", ")
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[preview] ws accept error: %v", err)
		return
	}
	defer clientConn.CloseNow()

	wsURL := "ws://" + addr + path
	if r.URL.RawQuery != "" {
		wsURL += "?" + r.URL.RawQuery
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	upstreamConn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader: http.Header{
			"Host":            []string{"localhost"},
			"X-Real-IP":       []string{"127.0.0.1"},
			"X-Forwarded-For": []string{"127.0.0.1"},
		},
	})
	if err != nil {
		log.Printf("[preview] ws upstream dial error for %s: %v", wsURL, err)
		clientConn.Close(websocket.StatusBadGateway, "cannot connect to "+addr)
		return
	}
	defer upstreamConn.CloseNow()

	clientConn.SetReadLimit(4 * 1024 * 1024)
	upstreamConn.SetReadLimit(4 * 1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// Client -> Upstream
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := upstreamConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Upstream -> Client
	func() {
		defer relayCancel()
		for {
			msgType, data, err := upstreamConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}

func isDevServerPath(path string) bool {
	for _, prefix := range devServerPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail emits the shared error shape; target, when set, names the
// upstream that failed.
func writeDetail(w http.ResponseWriter, status int, detail, target string) {
	setCORS(w.Header())
	body := map[string]any{"detail": detail}
	if target != "" {
		body["target"] = target
	}
	writeJSON(w, status, body)
}
