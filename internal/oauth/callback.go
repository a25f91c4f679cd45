package oauth

import (
	"fmt"
	"net"
	"net/http"
	"sync"
)

// Default loopback callback port range. The first free port wins.
const (
	defaultCallbackPortMin = 19876
	defaultCallbackPortMax = 19880
	callbackPath           = "/oauth/callback"
)

// callbackServer is a loopback-only HTTP server receiving the browser
// redirect of social grants. One server handles all concurrent sessions,
// dispatched by the opaque state parameter.
type callbackServer struct {
	listener net.Listener
	port     int

	mu      sync.Mutex
	pending map[string]func(code, errParam string)
}

func newCallbackServer(portMin, portMax int) (*callbackServer, error) {
	if portMin <= 0 {
		portMin = defaultCallbackPortMin
	}
	if portMax <= 0 {
		portMax = defaultCallbackPortMax
	}

	var listener net.Listener
	var port int
	var err error
	for p := portMin; p <= portMax; p++ {
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			port = p
			break
		}
	}
	if listener == nil {
		return nil, fmt.Errorf("no free callback port in %d-%d: %w", portMin, portMax, err)
	}

	s := &callbackServer{
		listener: listener,
		port:     port,
		pending:  map[string]func(code, errParam string){},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, s.handle)
	go func() {
		srv := &http.Server{Handler: mux}
		_ = srv.Serve(listener)
	}()
	return s, nil
}

func (s *callbackServer) redirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.port, callbackPath)
}

// expect registers a one-shot handler keyed by state.
func (s *callbackServer) expect(state string, fn func(code, errParam string)) {
	s.mu.Lock()
	s.pending[state] = fn
	s.mu.Unlock()
}

func (s *callbackServer) forget(state string) {
	s.mu.Lock()
	delete(s.pending, state)
	s.mu.Unlock()
}

func (s *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	s.mu.Lock()
	fn, ok := s.pending[state]
	if ok {
		delete(s.pending, state)
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	fn(q.Get("code"), q.Get("error"))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><p>Login complete. You may close this window.</p></body></html>")
}

func (s *callbackServer) close() {
	_ = s.listener.Close()
}
