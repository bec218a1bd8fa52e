// Copyright 2023-2024 TTBT Enterprises LLC
//
// This file is part of c2tleQ (https://c2tleQ.org/).
//
// c2tleQ is free software: you can redistribute it and/or modify it under the
// terms of the GNU General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later
// version.
//
// c2tleQ is distributed in the hope that it will be useful, but WITHOUT ANY
// WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
// A PARTICULAR PURPOSE. See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along with
// c2tleQ. If not, see <https://www.gnu.org/licenses/>.

// Package server exposes the webauthn ceremonies over HTTP. It is a thin
// shell: all verification lives in the webauthn package, the single-use
// challenge semantics live in the statestore, and credentials are held in
// memory. A real deployment replaces the credential map with its own
// storage.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"

	"c2tleQ/internal/log"
	"c2tleQ/internal/server/limit"
	"c2tleQ/internal/statestore"
	"c2tleQ/internal/webauthn"
)

var (
	ceremonyStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_webauthn_ceremonies_started_total",
			Help: "Number of webauthn ceremonies started",
		},
		[]string{"kind"},
	)
	ceremonyFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_webauthn_ceremonies_finished_total",
			Help: "Number of webauthn ceremonies finished",
		},
		[]string{"kind", "status"},
	)
	verifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "server_webauthn_verify_time",
			Help:    "The time spent verifying ceremony responses",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ceremonyStarted)
	prometheus.MustRegister(ceremonyFinished)
	prometheus.MustRegister(verifyLatency)
}

// An HTTP server exposing the registration and authentication ceremonies.
type Server struct {
	MaxConcurrentRequests int

	rp    *webauthn.RelyingParty
	store *statestore.Store
	mux   *http.ServeMux
	srv   *http.Server
	addr  string

	mu       sync.Mutex
	creds    map[string][]webauthn.Credential
	limiters map[string]*rate.Limiter
}

// New returns an instance of Server that's fully initialized and ready to
// run.
func New(rp *webauthn.RelyingParty, addr string) *Server {
	var key [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		log.Fatalf("rand.Read: %v", err)
	}
	store, err := statestore.New(10000, 5*time.Minute, key)
	if err != nil {
		log.Fatalf("statestore.New: %v", err)
	}
	s := &Server{
		MaxConcurrentRequests: 10,
		rp:                    rp,
		store:                 store,
		mux:                   http.NewServeMux(),
		addr:                  addr,
		creds:                 make(map[string][]webauthn.Credential),
		limiters:              make(map[string]*rate.Limiter),
	}
	s.mux.HandleFunc("/v2/webauthn/register", s.handleRegisterStart)
	s.mux.HandleFunc("/v2/webauthn/register/finish", s.handleRegisterFinish)
	s.mux.HandleFunc("/v2/webauthn/login", s.handleLoginStart)
	s.mux.HandleFunc("/v2/webauthn/login/finish", s.handleLoginFinish)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler returns the server's http.Handler, wrapped with gzip and the
// concurrency limit.
func (s *Server) Handler() http.Handler {
	return gziphandler.GzipHandler(limit.New(s.MaxConcurrentRequests, s.mux))
}

// Run starts the server and blocks.
func (s *Server) Run() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ErrorLog:     log.GoLogger(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Infof("listening on %s", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(context.Background())
}

// allow rate-limits challenge issuance per remote host. Challenges are cheap
// but each one occupies a statestore slot.
func (s *Server) allow(req *http.Request) bool {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		s.limiters[host] = l
	}
	return l.Allow()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, kind string, err error) {
	log.Errorf("%s: %v", kind, err)
	status := http.StatusBadRequest
	if errors.Is(err, statestore.ErrNotFound) {
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": "verification failed"})
}

func (s *Server) handleRegisterStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(req) {
		http.Error(w, "try again later", http.StatusTooManyRequests)
		return
	}
	var in struct {
		UserID      string `json:"userId"`
		UserName    string `json:"userName"`
		DisplayName string `json:"displayName"`
		Passkey     bool   `json:"passkey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	opts := webauthn.RegistrationOptions{}
	if in.Passkey {
		opts.RequireResidentKey = true
	}
	s.mu.Lock()
	for _, c := range s.creds[in.UserID] {
		opts.ExcludeCredentials = append(opts.ExcludeCredentials, c.ID)
	}
	s.mu.Unlock()
	ccr, state, err := s.rp.StartRegistration(webauthn.User{
		ID:          []byte(in.UserID),
		Name:        in.UserName,
		DisplayName: in.DisplayName,
	}, opts)
	if err != nil {
		writeError(w, "StartRegistration", err)
		return
	}
	token, err := s.store.Put(state)
	if err != nil {
		writeError(w, "store.Put", err)
		return
	}
	ceremonyStarted.WithLabelValues("register").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"options": ccr,
		"state":   token,
	})
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		UserID     string                                `json:"userId"`
		State      string                                `json:"state"`
		Credential *webauthn.RegisterPublicKeyCredential `json:"credential"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.Credential == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var state webauthn.RegistrationState
	if err := s.store.Take(in.State, &state); err != nil {
		ceremonyFinished.WithLabelValues("register", "nok").Inc()
		writeError(w, "store.Take", err)
		return
	}
	timer := prometheus.NewTimer(verifyLatency.WithLabelValues("register"))
	cred, err := s.rp.FinishRegistration(&state, in.Credential)
	timer.ObserveDuration()
	if err != nil {
		ceremonyFinished.WithLabelValues("register", "nok").Inc()
		writeError(w, "FinishRegistration", err)
		return
	}
	s.mu.Lock()
	s.creds[in.UserID] = append(s.creds[in.UserID], *cred)
	s.mu.Unlock()
	ceremonyFinished.WithLabelValues("register", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleLoginStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(req) {
		http.Error(w, "try again later", http.StatusTooManyRequests)
		return
	}
	var in struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	creds := append([]webauthn.Credential(nil), s.creds[in.UserID]...)
	s.mu.Unlock()
	if len(creds) == 0 {
		http.Error(w, "no credentials", http.StatusNotFound)
		return
	}
	rcr, state, err := s.rp.StartAuthentication(creds, webauthn.AuthenticationOptions{})
	if err != nil {
		writeError(w, "StartAuthentication", err)
		return
	}
	token, err := s.store.Put(state)
	if err != nil {
		writeError(w, "store.Put", err)
		return
	}
	ceremonyStarted.WithLabelValues("login").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"options": rcr,
		"state":   token,
	})
}

func (s *Server) handleLoginFinish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		UserID     string                        `json:"userId"`
		State      string                        `json:"state"`
		Credential *webauthn.PublicKeyCredential `json:"credential"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.Credential == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var state webauthn.AuthenticationState
	if err := s.store.Take(in.State, &state); err != nil {
		ceremonyFinished.WithLabelValues("login", "nok").Inc()
		writeError(w, "store.Take", err)
		return
	}
	timer := prometheus.NewTimer(verifyLatency.WithLabelValues("login"))
	result, err := s.rp.FinishAuthentication(&state, in.Credential)
	timer.ObserveDuration()
	if errors.Is(err, webauthn.ErrCredentialPossiblyCloned) {
		// The signature verified but the counter went backwards. Treat
		// the credential as compromised.
		s.invalidateCredential(in.UserID, result.CredentialID)
		ceremonyFinished.WithLabelValues("login", "cloned").Inc()
		writeError(w, "FinishAuthentication", err)
		return
	}
	if err != nil {
		ceremonyFinished.WithLabelValues("login", "nok").Inc()
		writeError(w, "FinishAuthentication", err)
		return
	}
	s.updateCredential(in.UserID, result)
	ceremonyFinished.WithLabelValues("login", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"userVerified": result.UserVerified,
	})
}

func (s *Server) updateCredential(userID string, result *webauthn.AuthenticationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.creds[userID]
	for i := range creds {
		if string(creds[i].ID) == string(result.CredentialID) {
			creds[i].SignCount = result.SignCount
			creds[i].BackupState = result.BackupState
			creds[i].BackupEligible = result.BackupEligible
			return
		}
	}
}

func (s *Server) invalidateCredential(userID string, credID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.creds[userID]
	for i := range creds {
		if string(creds[i].ID) == string(credID) {
			s.creds[userID] = append(creds[:i], creds[i+1:]...)
			return
		}
	}
}
