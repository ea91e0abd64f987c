// Package server exposes a sweep over HTTP: its status, its samples, a
// websocket stream of samples, and the start trigger.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/rflab/anglesweep/record"
	"github.com/rflab/anglesweep/sweep"
)

// MethodPath is an HTTP method and route pattern
type MethodPath struct {
	Method, Path string
}

// RouteTable maps routes to their handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD /path", sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind adds every route to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.Method(mp.Method, mp.Path, h)
	}
}

// writeTimeout bounds each websocket write
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the latest session of a run and gates its start
type Server struct {
	mu      sync.Mutex
	sess    sweep.Session
	seen    bool
	start   chan struct{}
	started bool

	mem *record.Memory
	rt  RouteTable
}

// New returns a Server which serves samples from mem
func New(mem *record.Memory) *Server {
	s := &Server{mem: mem, start: make(chan struct{})}
	s.rt = RouteTable{
		{http.MethodGet, "/sweep/status"}:  s.status,
		{http.MethodGet, "/sweep/samples"}: s.samples,
		{http.MethodGet, "/sweep/stream"}:  s.stream,
		{http.MethodPost, "/sweep/start"}:  s.startHandler,
	}
	return s
}

// Gate blocks the run until a client posts to /sweep/start
func (s *Server) Gate() sweep.Gate {
	return sweep.ChanGate(s.start)
}

// Observe records sess, it is meant to be the Controller's OnStatus
func (s *Server) Observe(sess sweep.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status.Terminal() && !(s.seen && s.sess.Status.Terminal()) {
		log.Printf("server: run %s ended %s after %d of %d samples", sess.RunID, sess.Status, sess.Iteration, sess.Total)
	}
	s.sess = sess
	s.seen = true
}

// Session returns the latest session and whether one has been observed
func (s *Server) Session() (sweep.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.seen
}

// Endpoints lists the served routes
func (s *Server) Endpoints() []string {
	return append(s.rt.Endpoints(), http.MethodGet+" /list-of-routes")
}

// Handler returns a router serving every endpoint
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.checkStart)
	s.rt.Bind(r)
	r.Get("/list-of-routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Endpoints())
	})
	return r
}

// checkStart returns http.StatusLocked for the start route unless the run is
// waiting for it, or http.StatusGone once the run has ended
func (s *Server) checkStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sweep/start" {
			s.mu.Lock()
			ended := s.seen && s.sess.Status.Terminal()
			locked := !s.seen || s.sess.Status != sweep.AwaitingStart || s.started
			s.mu.Unlock()
			if ended {
				http.Error(w, "sweep has ended", http.StatusGone)
				return
			}
			if locked {
				http.Error(w, "sweep is not awaiting start", http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Session()
	if !ok {
		http.Error(w, "no sweep has started", http.StatusNotFound)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) samples(w http.ResponseWriter, r *http.Request) {
	samples := s.mem.Samples()
	if samples == nil {
		samples = []sweep.Sample{}
	}
	writeJSON(w, samples)
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if !s.started {
		s.started = true
		close(s.start)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// stream sends every sample so far, then each new one, as JSON text
// messages.  The socket is closed when the run's recorders are closed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	backlog, ch, cancel := s.mem.Subscribe()
	defer cancel()

	// the client never sends; reading notices it going away
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	send := func(smp sweep.Sample) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(smp); err != nil {
			log.Printf("websocket write: %v", err)
			return false
		}
		return true
	}
	for _, smp := range backlog {
		if !send(smp) {
			return
		}
	}
	for smp := range ch {
		if !send(smp) {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sweep finished"))
}
