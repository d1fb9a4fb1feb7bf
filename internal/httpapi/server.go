// Package httpapi serves the document CRUD endpoints and the editor page.
// It runs on its own port, next to the relay's framed socket listener.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coedit/relay/internal/store"
)

type Server struct {
	store    *store.Store
	gatherer prometheus.Gatherer
	static   http.Handler
}

func NewServer(st *store.Store, gatherer prometheus.Gatherer, static http.Handler) *Server {
	return &Server{
		store:    st,
		gatherer: gatherer,
		static:   static,
	}
}

// Router builds the chi router with the file API, metrics and the editor
// page.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors)

	r.Get("/api/files", s.handleList)
	r.Get("/api/file", s.handleRead)
	r.Post("/api/file", s.handleWrite)
	r.Delete("/api/file", s.handleDelete)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.static != nil {
		r.Handle("/*", s.static)
	}

	return r
}

// cors mirrors the permissive headers the editor frontend expects.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.List()
	if err != nil {
		log.Printf("httpapi: list: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Could not list files"})
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	content, err := s.store.Read(name)
	if err != nil {
		// Missing documents come back as empty content so the editor can
		// open a fresh buffer.
		writeJSON(w, http.StatusNotFound, map[string]string{"content": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

type writeRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	if err := s.store.Write(req.Filename, req.Content); err != nil {
		if errors.Is(err, store.ErrInvalidName) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
			return
		}
		log.Printf("httpapi: write %s: %v", req.Filename, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Could not write file"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	if err := s.store.Delete(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "File not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
