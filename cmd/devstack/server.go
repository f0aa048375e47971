package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/diabetactic/orchestrator/internal/appointments"
	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/readings"
)

// devStack is the in-memory fake of the Diabetactic backend services. Each
// service is mounted under its own prefix with its own health endpoint, so
// the orchestrator's health monitor and circuit breakers treat them as
// independent backends. Admin endpoints flip a service "down" to exercise
// degraded-mode behavior by hand.
type devStack struct {
	logger     zerolog.Logger
	signingKey []byte
	tokenTTL   time.Duration

	mu           sync.Mutex
	down         map[string]bool
	users        map[string]devUser
	readings     []readings.Reading
	appointments []appointments.Appointment
	nextApptID   int
	nextReadID   int
	shares       map[int]readings.Summary
}

type devUser struct {
	DNI      string
	Password string
	Name     string
	Surname  string
	Email    string
}

func newDevStack(logger zerolog.Logger, signingKey []byte, tokenTTL time.Duration) *devStack {
	s := &devStack{
		logger:     logger,
		signingKey: signingKey,
		tokenTTL:   tokenTTL,
		down:       make(map[string]bool),
		users: map[string]devUser{
			"11223344": {
				DNI:      "11223344",
				Password: "password",
				Name:     "Demo",
				Surname:  "Patient",
				Email:    "demo@diabetactic.test",
			},
		},
		shares:     make(map[int]readings.Summary),
		nextApptID: 1,
		nextReadID: 1,
	}
	s.seed()
	return s
}

func (s *devStack) seed() {
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.readings = append(s.readings, readings.Reading{
			ID:    s.nextReadID,
			Value: 90 + float64(i*12),
			Date:  now.Add(-time.Duration(5-i) * time.Hour),
		})
		s.nextReadID++
	}
	s.appointments = append(s.appointments, appointments.Appointment{
		ID:     s.nextApptID,
		Date:   now.AddDate(0, 0, 7),
		Reason: "quarterly checkup",
		Status: appointments.StatusConfirmed,
	})
	s.nextApptID++
}

func (s *devStack) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Route("/"+config.ServiceAuth, func(r chi.Router) {
		r.Get("/health", s.handleHealth(config.ServiceAuth))
		r.With(s.serviceUp(config.ServiceAuth)).Post("/token", s.handleToken)
		r.With(s.serviceUp(config.ServiceAuth)).Post("/token/refresh", s.handleTokenRefresh)
	})

	r.Route("/"+config.ServiceAppointments, func(r chi.Router) {
		r.Get("/health", s.handleHealth(config.ServiceAppointments))
		r.Group(func(r chi.Router) {
			r.Use(s.serviceUp(config.ServiceAppointments), s.requireBearer)
			r.Get("/appointments/mine", s.handleAppointmentsMine)
			r.Post("/appointments/create", s.handleAppointmentCreate)
			// The real backend has not grown these endpoints yet; the
			// orchestrator must learn that from the 501 and queue locally.
			r.Put("/appointments/{id}", s.handleNotImplemented)
			r.Delete("/appointments/{id}", s.handleNotImplemented)
		})
	})

	r.Route("/"+config.ServiceReadings, func(r chi.Router) {
		r.Get("/health", s.handleHealth(config.ServiceReadings))
		r.Group(func(r chi.Router) {
			r.Use(s.serviceUp(config.ServiceReadings), s.requireBearer)
			r.Get("/glucose/mine", s.handleReadingsMine)
			r.Get("/glucose/mine/latest", s.handleReadingsLatest)
			r.Post("/glucose/create", s.handleReadingCreate)
			r.Post("/glucose/share", s.handleReadingShare)
		})
	})

	r.Route("/"+config.ServiceGateway, func(r chi.Router) {
		r.Get("/health", s.handleHealth(config.ServiceGateway))
		r.With(s.serviceUp(config.ServiceGateway), s.requireBearer).Get("/users/me", s.handleUsersMe)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/{service}/down", s.handleSetDown(true))
		r.Post("/{service}/up", s.handleSetDown(false))
	})

	return r
}

// serviceUp fails requests with 503 while the service is flipped down.
func (s *devStack) serviceUp(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			down := s.down[service]
			s.mu.Unlock()
			if down {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "service unavailable"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireBearer validates the Authorization header against the dev signing
// key. Expired or malformed tokens get 401, which is exactly what the
// orchestrator's refresh-and-retry path needs to see.
func (s *devStack) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "not authenticated"})
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *devStack) handleHealth(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down[service]
		s.mu.Unlock()

		status := "ok"
		if down {
			status = "down"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (s *devStack) handleSetDown(down bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		s.mu.Lock()
		s.down[service] = down
		s.mu.Unlock()
		s.logger.Info().Str("service", service).Bool("down", down).Msg("service availability flipped")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *devStack) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid form"})
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	s.mu.Lock()
	user, ok := s.users[username]
	s.mu.Unlock()
	if !ok || user.Password != password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "incorrect username or password"})
		return
	}

	s.issueToken(w, username)
}

// handleTokenRefresh accepts any well-formed refresh grant. The real
// backend has no refresh endpoint at all; the dev stack models the best
// case the orchestrator's client-side rotation scheme can hope for.
func (s *devStack) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid form"})
		return
	}
	if r.PostFormValue("grant_type") != "refresh_token" || r.PostFormValue("refresh_token") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid grant"})
		return
	}
	s.issueToken(w, "11223344")
}

func (s *devStack) issueToken(w http.ResponseWriter, subject string) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "signing token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": signed,
		"token_type":   "bearer",
	})
}

func (s *devStack) handleUsersMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	user := s.users["11223344"]
	measured := len(s.readings)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"dni":              user.DNI,
		"name":             user.Name,
		"surname":          user.Surname,
		"email":            user.Email,
		"hospital_account": true,
		"blocked":          false,
		"times_measured":   measured,
		"streak":           3,
		"max_streak":       11,
	})
}

func (s *devStack) handleReadingsMine(w http.ResponseWriter, r *http.Request) {
	from, to, hasRange := parseRange(r)

	s.mu.Lock()
	out := make([]readings.Reading, 0, len(s.readings))
	for _, reading := range s.readings {
		if hasRange && (reading.Date.Before(from) || reading.Date.After(to)) {
			continue
		}
		out = append(out, reading)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *devStack) handleReadingsLatest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.readings) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no readings"})
		return
	}
	latest := s.readings[0]
	for _, reading := range s.readings[1:] {
		if reading.Date.After(latest.Date) {
			latest = reading
		}
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *devStack) handleReadingCreate(w http.ResponseWriter, r *http.Request) {
	var req readings.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
		return
	}

	s.mu.Lock()
	created := readings.Reading{ID: s.nextReadID, Value: req.Value, Date: req.Date}
	s.nextReadID++
	s.readings = append(s.readings, created)
	sort.Slice(s.readings, func(i, j int) bool { return s.readings[i].Date.Before(s.readings[j].Date) })
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, created)
}

func (s *devStack) handleReadingShare(w http.ResponseWriter, r *http.Request) {
	var req readings.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	s.shares[req.AppointmentID] = req.Summary
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *devStack) handleAppointmentsMine(w http.ResponseWriter, r *http.Request) {
	from, to, hasRange := parseRange(r)

	s.mu.Lock()
	out := make([]appointments.Appointment, 0, len(s.appointments))
	for _, appt := range s.appointments {
		if hasRange && (appt.Date.Before(from) || appt.Date.After(to)) {
			continue
		}
		out = append(out, appt)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *devStack) handleAppointmentCreate(w http.ResponseWriter, r *http.Request) {
	var req appointments.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
		return
	}

	s.mu.Lock()
	created := appointments.Appointment{
		ID:     s.nextApptID,
		Date:   req.Date,
		Reason: req.Reason,
		Status: appointments.StatusPending,
	}
	s.nextApptID++
	s.appointments = append(s.appointments, created)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, created)
}

func (s *devStack) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{"detail": "not implemented"})
}

func parseRange(r *http.Request) (from, to time.Time, ok bool) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, false
	}
	from, errFrom := time.Parse(time.RFC3339, fromStr)
	to, errTo := time.Parse(time.RFC3339, toStr)
	if errFrom != nil || errTo != nil {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // response write
}
