package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telestrator/internal/feed"
)

func newTestServer() (*Server, chan feed.ControlMessage) {
	control := make(chan feed.ControlMessage, 64)
	return New(Config{Addr: "127.0.0.1:0"}, control, feed.NewBroadcaster()), control
}

func postOffer(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/wrtc/offer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleOffer(w, req)
	return w
}

func offerBody(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	return string(b)
}

func TestOfferRepliesNullWhenWorkerAbandonsReply(t *testing.T) {
	s, _ := newTestServer()

	go func() {
		offer := <-s.offers
		close(offer.Reply)
	}()

	w := postOffer(t, s, offerBody(t))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))
}

func TestOfferRepliesWithAnswer(t *testing.T) {
	s, _ := newTestServer()

	answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nanswer\r\n"}
	go func() {
		offer := <-s.offers
		assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)
		offer.Reply <- answer
	}()

	w := postOffer(t, s, offerBody(t))
	assert.Equal(t, http.StatusOK, w.Code)

	var got webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, answer.SDP, got.SDP)
}

func TestOfferRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer()
	w := postOffer(t, s, "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfferRepliesNullAfterShutdown(t *testing.T) {
	s, _ := newTestServer()
	s.Shutdown()

	w := postOffer(t, s, offerBody(t))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))
}

func TestOfferPreflight(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/wrtc/offer", nil)
	req.Header.Set("Origin", "https://example.test")
	w := httptest.NewRecorder()
	s.handleOffer(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestOfferQueueBackpressure(t *testing.T) {
	s, _ := newTestServer()

	// Fill the single-slot queue so the next handler blocks until pickup.
	s.offers <- Offer{Reply: make(chan *webrtc.SessionDescription, 1)}

	handled := make(chan *httptest.ResponseRecorder, 1)
	go func() { handled <- postOffer(t, s, offerBody(t)) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-handled:
		t.Fatal("handler must block while the previous offer is unconsumed")
	default:
	}

	// Drain the stale offer, then serve the blocked one.
	<-s.offers
	go func() {
		offer := <-s.offers
		offer.Reply <- nil
	}()

	w := <-handled
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer()
	s.trackSession("abc")
	defer s.forgetSession("abc")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	var body struct {
		Status   string           `json:"status"`
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "abc", body.Sessions[0]["id"])
}

func TestStaticIndexServed(t *testing.T) {
	s, _ := newTestServer()
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Telestrator")
}
