package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"veilproxy/internal/session"
	"veilproxy/internal/shuffle"
)

// authorized gates the session-management routes behind the shared secret
// when one is configured.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Password == "" {
		return true
	}
	if r.URL.Query().Get("pwd") != s.cfg.Password {
		s.logger.Warn().Str("ip", ClientIP(r)).Str("url", r.URL.Path).Msg("bad password")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "Forbidden")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) registerRoutes() {
	s.GET("/needpassword", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strconv.FormatBool(s.cfg.Password != ""))
	})

	s.GET("/mainport", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strconv.Itoa(s.cfg.Port))
	})

	s.GET("/newsession", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		sess, err := s.store.Create(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to create session")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		ip := ClientIP(r)
		if err := s.store.Update(r.Context(), sess.ID, func(se *session.Session) {
			se.RestrictIP = ip
		}); err != nil {
			s.logger.Error().Err(err).Str("session", sess.ID).Msg("failed to pin session IP")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, sess.ID)
	})

	s.GET("/editsession", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		q := r.URL.Query()
		id := q.Get("id")
		ok, err := s.storeHas(w, r, id)
		if err != nil || !ok {
			return
		}

		httpProxy := q.Get("httpProxy")
		var proxySettings *session.ProxySettings
		if httpProxy != "" {
			proxySettings, err = session.ParseProxySettings(httpProxy)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, "Invalid httpProxy")
				return
			}
		}

		enableShuffling := q.Get("enableShuffling")
		err = s.store.Update(r.Context(), id, func(se *session.Session) {
			se.ExternalProxy = proxySettings
			if enableShuffling == "1" {
				se.EnableShuffling()
			}
			if enableShuffling == "0" {
				se.DisableShuffling()
			}
		})
		if err != nil {
			s.logger.Error().Err(err).Str("session", id).Msg("failed to edit session")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "Success")
	})

	s.GET("/deletesession", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		id := r.URL.Query().Get("id")
		exists := false
		if id != "" {
			var err error
			exists, err = s.store.Has(r.Context(), id)
			if err != nil {
				s.logger.Error().Err(err).Str("session", id).Msg("failed to check session")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}
		if !exists {
			io.WriteString(w, "not found")
			return
		}
		if err := s.store.Delete(r.Context(), id); err != nil {
			s.logger.Error().Err(err).Str("session", id).Msg("failed to delete session")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "Success")
	})

	s.GET("/sessionexists", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "Must specify id parameter")
			return
		}
		exists, err := s.store.Has(r.Context(), id)
		if err != nil {
			s.logger.Error().Err(err).Str("session", id).Msg("failed to check session")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if exists {
			io.WriteString(w, "exists")
		} else {
			io.WriteString(w, "not found")
		}
	})

	s.GET("/ensuresession", s.handleEnsureSession)
	s.GET("/getproxiedurl", s.handleGetProxiedURL)
	s.GET("/generatelink", s.handleGenerateLink)
}

// storeHas wraps the pre-check used by edit-style routes: missing or unknown
// ids answer 400 "not found".
func (s *Server) storeHas(w http.ResponseWriter, r *http.Request, id string) (bool, error) {
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "not found")
		return false, nil
	}
	ok, err := s.store.Has(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("failed to check session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return false, err
	}
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "not found")
		return false, nil
	}
	return true, nil
}

// handleEnsureSession creates a session under a client-chosen id if it does
// not exist yet: unrestricted IP, shuffling on. Idempotent by id.
func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Session ID required"})
		return
	}
	exists, err := s.store.Has(r.Context(), id)
	if err == nil && !exists {
		sess := session.New(id)
		sess.EnableShuffling()
		err = s.store.Put(r.Context(), sess)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("failed to ensure session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": id})
}

// handleGetProxiedURL shuffles a target URL for an existing session (created
// on demand) and returns the full proxied URL.
func (s *Server) handleGetProxiedURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, targetURL := q.Get("id"), q.Get("url")
	if id == "" || targetURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Session ID and URL required"})
		return
	}

	exists, err := s.store.Has(r.Context(), id)
	if err == nil && !exists {
		sess := session.New(id)
		sess.EnableShuffling()
		err = s.store.Put(r.Context(), sess)
	}
	if err == nil {
		// Older sessions may predate shuffling-by-default.
		err = s.store.Update(r.Context(), id, func(se *session.Session) {
			se.EnableShuffling()
		})
	}
	var sess *session.Session
	if err == nil {
		sess, err = s.store.Get(r.Context(), id)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("failed to prepare session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	proxied := fmt.Sprintf("%s/%s/%s", s.externalURL(r), id, sess.Shuffler().Shuffle(targetURL))
	writeJSON(w, http.StatusOK, map[string]string{"proxiedUrl": proxied, "sessionId": id})
}

// handleGenerateLink mints a never-expire, shuffling-enabled session and
// returns a shareable proxied link for the given URL. Never-expiring
// sessions are exempt from IP restriction and the staleness sweep, so the
// link works from anywhere, indefinitely.
func (s *Server) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	targetURL := r.URL.Query().Get("url")
	if targetURL == "" {
		s.logger.Warn().Str("ip", ClientIP(r)).Str("url", r.URL.String()).Msg("generatelink without url parameter")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Must provide url parameter"})
		return
	}

	sess := session.New(session.GenerateID())
	sess.NeverExpire = true
	sess.ShuffleDict = shuffle.GenerateDictionary()
	if err := s.store.Put(r.Context(), sess); err != nil {
		s.logger.Error().Err(err).Msg("failed to create never-expire session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	proxied := fmt.Sprintf("%s/%s/%s", s.externalURL(r), sess.ID, sess.Shuffler().Shuffle(targetURL))
	writeJSON(w, http.StatusOK, map[string]string{"url": proxied, "sessionId": sess.ID})
}
