// Package server accepts WebRTC session offers over HTTP and bridges each
// accepted peer onto the shared encoded feed.
package server

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"telestrator/internal/feed"
	"telestrator/internal/ndi"
)

//go:embed www
var wwwFS embed.FS

type Config struct {
	Addr string
}

// Offer couples an SDP offer with its single-shot reply channel. The reply
// carries the answer, or nil when session setup failed.
type Offer struct {
	SDP   webrtc.SessionDescription
	Reply chan *webrtc.SessionDescription
}

// Server owns the offer queue and the set of live peer workers.
type Server struct {
	cfg     Config
	control chan<- feed.ControlMessage
	results *feed.Broadcaster

	// offers is deliberately capacity 1: the HTTP handler backpressures
	// until the spawner picked up the previous offer.
	offers chan Offer

	shutdown     chan struct{}
	shutdownOnce sync.Once

	mu       sync.Mutex
	sessions map[string]time.Time
}

func New(cfg Config, control chan<- feed.ControlMessage, results *feed.Broadcaster) *Server {
	ndi.StartBackgroundDiscovery()
	return &Server{
		cfg:      cfg,
		control:  control,
		results:  results,
		offers:   make(chan Offer, 1),
		shutdown: make(chan struct{}),
		sessions: make(map[string]time.Time),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/wrtc/offer", s.handleOffer)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ndi/sources", s.handleNDISources)

	static, err := fs.Sub(wwwFS, "www")
	if err != nil {
		panic(err)
	}
	mux.Handle("/", http.FileServer(http.FS(static)))
}

// RunWorkerSpawner consumes the offer queue and runs one worker per offer
// until Shutdown.
func (s *Server) RunWorkerSpawner() {
	for {
		select {
		case offer := <-s.offers:
			go s.runWorker(offer)
		case <-s.shutdown:
			return
		}
	}
}

// Shutdown stops the spawner and signals every live worker to tear down.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	allowCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sdp webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&sdp); err != nil {
		http.Error(w, "malformed SDP offer", http.StatusBadRequest)
		return
	}

	// Checked first: after Shutdown the queue may still have room, and a
	// select over both cases would pick between them at random.
	select {
	case <-s.shutdown:
		writeJSON(w, nil)
		return
	default:
	}

	offer := Offer{SDP: sdp, Reply: make(chan *webrtc.SessionDescription, 1)}
	select {
	case s.offers <- offer:
	case <-r.Context().Done():
		return
	case <-s.shutdown:
		writeJSON(w, nil)
		return
	}

	// A worker that fails before answering sends nil or closes the reply
	// channel; the client gets null either way, always with status 200.
	var answer *webrtc.SessionDescription
	select {
	case answer = <-offer.Reply:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	allowCORS(w, r)
	s.mu.Lock()
	sessions := make([]map[string]any, 0, len(s.sessions))
	for id, created := range s.sessions {
		sessions = append(sessions, map[string]any{
			"id":      id,
			"created": created.UTC().Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"metrics":  feed.GetCounters(),
	})
}

func (s *Server) handleNDISources(w http.ResponseWriter, r *http.Request) {
	allowCORS(w, r)
	writeJSON(w, ndi.GetCachedSources())
}

func (s *Server) trackSession(id string) {
	s.mu.Lock()
	s.sessions[id] = time.Now()
	s.mu.Unlock()
}

func (s *Server) forgetSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

func allowCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
	w.Header().Set("Access-Control-Allow-Headers",
		"User-Agent, Sec-Fetch-Mode, Referer, Origin, Access-Control-Request-Method, Access-Control-Request-Headers, Content-Type")
}
