// Package httpapi exposes the dispatch core over JSON/HTTP and pushes ride
// events to connected riders and drivers over WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 500
)

// HeartbeatPublisher hands driver pings to the ingest pipeline.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, hb models.Heartbeat) error
}

// Deps are the components a Server routes to. Heartbeats and Hub are
// optional: without a publisher heartbeats are applied to the registry
// directly, and without a hub /ws is not served.
type Deps struct {
	Rides      *rides.Service
	Dispatcher *dispatch.Coordinator
	Drivers    *availability.Registry
	Auth       auth.Authenticator
	Heartbeats HeartbeatPublisher
	Hub        *notify.WSHub
	Logger     *slog.Logger
}

type Server struct {
	rides      *rides.Service
	dispatcher *dispatch.Coordinator
	drivers    *availability.Registry
	auth       auth.Authenticator
	heartbeats HeartbeatPublisher
	hub        *notify.WSHub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mux        *mux.Router

	retryAfterSeconds int
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:      d.Rides,
		dispatcher: d.Dispatcher,
		drivers:    d.Drivers,
		auth:       d.Auth,
		heartbeats: d.Heartbeats,
		hub:        d.Hub,
		logger:     d.Logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		mux:        mux.NewRouter(),

		retryAfterSeconds: 1,
	}
	if d.Dispatcher != nil {
		if secs := int(math.Ceil(d.Dispatcher.Policy().Delay.Seconds())); secs > 1 {
			s.retryAfterSeconds = secs
		}
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/end", s.handleEnd).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/drivers/me", s.handleDriverGet).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/rides", s.handleDriverRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	if s.hub != nil {
		s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequest struct {
	Pickup       models.Coord        `json:"pickup"`
	Destination  models.Coord        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleRider)
	if !ok {
		return
	}
	var req rideRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Request(r.Context(), rides.RequestCommand{
		RiderID:      p.ID,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		VehicleClass: req.VehicleClass,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rides/"+ride.ID)
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, ok := rides.Visible(ride, p)
	if !ok {
		s.writeError(w, r, fmt.Errorf("ride %s: %w", ride.ID, errs.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type dispatchResponse struct {
	RideID   string      `json:"ride_id"`
	DriverID string      `json:"driver_id"`
	Ride     models.Ride `json:"ride"`
}

// handleDispatch runs one matching round, or the widening retry loop when
// called with ?wait=true.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleRider, models.RoleSystem)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if p.Role == models.RoleRider {
		ride, err := s.rides.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ride.RiderID != p.ID {
			s.writeError(w, r, fmt.Errorf("ride %s: %w", id, errs.ErrForbidden))
			return
		}
	}
	wait, err := queryBool(r, "wait")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var ride models.Ride
	if wait {
		ride, err = s.dispatcher.DispatchWithRetry(r.Context(), id, s.dispatcher.Policy())
	} else {
		ride, err = s.dispatcher.Dispatch(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, _ := rides.Visible(ride, p)
	writeJSON(w, http.StatusOK, dispatchResponse{RideID: ride.ID, DriverID: ride.DriverID, Ride: view})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.rides.Accept(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type startRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Start(r.Context(), mux.Vars(r)["id"], p.ID, req.OTP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.rides.End(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	ride, err := s.rides.Cancel(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, ok := rides.Visible(ride, p)
	if !ok {
		view = ride.Redacted()
	}
	writeJSON(w, http.StatusOK, view)
}

// handleListRides serves operators: ?status= lists by state, ?from=&to=
// (RFC 3339) lists by creation time.
func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, models.RoleSystem); !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var list []models.Ride
	switch {
	case q.Get("status") != "":
		list, err = s.rides.ListByStatus(r.Context(), models.RideStatus(q.Get("status")), limit)
	case q.Get("from") != "" || q.Get("to") != "":
		var from, to time.Time
		from, err = time.Parse(time.RFC3339, q.Get("from"))
		if err == nil {
			to, err = time.Parse(time.RFC3339, q.Get("to"))
		}
		if err != nil {
			err = fmt.Errorf("window: %v: %w", err, errs.ErrInvalidInput)
			break
		}
		list, err = s.rides.ListCreatedBetween(r.Context(), from, to, limit)
	default:
		err = fmt.Errorf("status or from/to required: %w", errs.ErrInvalidInput)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": nonNil(list)})
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.rides.ListByDriver(r.Context(), p.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]models.Ride, 0, len(list))
	for _, ride := range list {
		if v, ok := rides.Visible(ride, p); ok {
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": views})
}

func (s *Server) handleDriverGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	rec, err := s.drivers.Get(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type onlineRequest struct {
	Loc          models.Coord        `json:"loc"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req onlineRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.drivers.SetAvailable(r.Context(), p.ID, req.Loc, req.VehicleClass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	rec, err := s.drivers.SetOffline(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type heartbeatRequest struct {
	Loc models.Coord `json:"loc"`
}

// handleHeartbeat queues the ping on Kafka when a publisher is configured
// and answers 202; otherwise it applies the ping and returns the record.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Loc.Valid() {
		s.writeError(w, r, fmt.Errorf("heartbeat %v: %w", req.Loc, errs.ErrInvalidLocation))
		return
	}
	if s.heartbeats != nil {
		hb := models.Heartbeat{DriverID: p.ID, Loc: req.Loc, SentAt: time.Now().UTC()}
		if err := s.heartbeats.PublishHeartbeat(r.Context(), hb); err != nil {
			s.writeError(w, r, fmt.Errorf("publish heartbeat: %v: %w", err, errs.ErrUnavailable))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	rec, err := s.drivers.Heartbeat(r.Context(), p.ID, req.Loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleWS registers the caller's socket with the hub. Inbound frames are
// discarded; the read loop only detects the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the response
		s.logger.Warn("ws upgrade failed", "principal", p.ID, "err", err)
		return
	}
	session := s.hub.Add(p.ID, conn)
	s.logger.Info("ws connected", "principal", p.ID, "role", p.Role)
	defer func() {
		s.hub.Remove(p.ID, session)
		_ = conn.Close()
		s.logger.Info("ws disconnected", "principal", p.ID)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// require writes 403 and returns false unless the caller has one of roles.
func (s *Server) require(w http.ResponseWriter, r *http.Request, roles ...models.Role) (models.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		s.writeError(w, r, errs.ErrUnauthenticated)
		return p, false
	}
	for _, role := range roles {
		if p.Role == role {
			return p, true
		}
	}
	s.writeError(w, r, fmt.Errorf("role %s: %w", p.Role, errs.ErrForbidden))
	return p, false
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, errs.ErrInvalidInput)
	}
	return nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q: %w", key, v, errs.ErrInvalidInput)
	}
	return b, nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit=%q: %w", v, errs.ErrInvalidInput)
	}
	return min(n, maxLimit), nil
}

func nonNil(list []models.Ride) []models.Ride {
	if list == nil {
		return []models.Ride{}
	}
	return list
}
