package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shiplive/native/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxUploadSize = 20 << 20

// Options configure the HTTP surface of the relay.
type Options struct {
	UploadDir string
	// PublicURL prefixes upload links. The request host is used when empty.
	PublicURL string
}

// Server is the development messaging gateway and chat history service.
type Server struct {
	store *Store
	hub   *Hub
	auth  *Auth
	opts  Options
}

// NewServer wires the relay. A nil auth serves every route unauthenticated.
func NewServer(store *Store, hub *Hub, auth *Auth, opts Options) (*Server, error) {
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Server{store: store, hub: hub, auth: auth, opts: opts}, nil
}

// Router returns the HTTP handler of the relay.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.opts.UploadDir))))

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Get("/ws", s.hub.ServeWS)
		r.Route("/api", func(r chi.Router) {
			r.Get("/orders/{orderId}/messages", s.history)
			r.Post("/orders/{orderId}/messages", s.postMessage)
			r.Post("/uploads", s.upload)
		})
	})
	return r
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	room, err := domain.NormalizeRoomID(chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.store.History(r.Context(), room.OrderID())
	if err != nil {
		log.Error().Str("module", module).Err(err).Msg("load history")
		writeError(w, http.StatusInternalServerError, "load history failed")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	room, err := domain.NormalizeRoomID(chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var msg domain.ChatMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if msg.OrderID == "" {
		msg.OrderID = room.OrderID()
	}
	if got, err := msg.Room(); err != nil || got != room {
		writeError(w, http.StatusBadRequest, "message order does not match path")
		return
	}
	msg.OrderID = room.OrderID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := s.store.Append(r.Context(), msg)
	if err != nil {
		log.Error().Str("module", module).Str("id", msg.ID).Err(err).Msg("store message")
		writeError(w, http.StatusInternalServerError, "store message failed")
		return
	}
	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	dst, err := os.Create(filepath.Join(s.opts.UploadDir, name))
	if err != nil {
		log.Error().Str("module", module).Err(err).Msg("create upload")
		writeError(w, http.StatusInternalServerError, "store upload failed")
		return
	}
	_, err = io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusInternalServerError, "store upload failed")
		return
	}

	base := s.opts.PublicURL
	if base == "" {
		base = "http://" + r.Host
	}
	log.Info().Str("module", module).Str("file", name).Msg("upload stored")
	writeJSON(w, http.StatusCreated, map[string]string{"url": base + "/uploads/" + name})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("module", module).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("module", module).Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
