package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/wallet"
)

const maxBodyBytes = 1 << 20

// LocationPublisher forwards driver pings to the location topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

// StripeParser verifies and reduces a Stripe webhook delivery.
type StripeParser interface {
	ParseStripeEvent(payload []byte, signature string) (payments.WebhookEvent, bool, error)
}

// Deps is everything the HTTP and websocket surface calls into. Locations,
// Stripe and Surge are optional.
type Deps struct {
	Lifecycle *lifecycle.Service
	Surge     *pricing.SurgePolicy
	Geo       geo.Geo
	Registry  registry.Registry
	Locations LocationPublisher
	Wallet    *wallet.Ledger
	Stripe    StripeParser
	Hub       *dispatch.Hub
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	pongWait time.Duration
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: deps, logger: logging.OrDiscard(logger), mux: mux.NewRouter(), pongWait: defaultPongWait}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/trip", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/preview", s.handlePreview).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/reconnect", s.handleReconnect).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	api.HandleFunc("/surge", s.handleSurge).Methods(http.MethodGet)
	api.HandleFunc("/wallets/topup", s.handleTopUp).Methods(http.MethodPost)
	api.HandleFunc("/wallets/payout", s.handlePayout).Methods(http.MethodPost)
	api.HandleFunc("/wallets/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{role}/{user_id}", s.handleBalance).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/passenger/{passenger_id}", s.handlePassengerWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusFor maps an error kind onto the HTTP status the API answers with.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound, errs.PricingNotFound:
		return http.StatusNotFound
	case errs.InvalidTransition, errs.ConcurrencyConflict:
		return http.StatusConflict
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.Validation:
		return http.StatusBadRequest
	case errs.InsufficientFunds:
		return http.StatusPaymentRequired
	case errs.UpstreamService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorPayload(err error) errorBody {
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	return errorBody{Kind: kind, Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.requestLogger(r).Error("request_failed", "route", routeTemplate(r), "error", err)
	}
	writeJSON(w, status, errorPayload(err))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errs.New(errs.Validation, "invalid body: %v", err)
	}
	return nil
}

// actor identifies the caller of a REST booking operation. Websocket
// callers are identified by their socket path instead.
type actor struct {
	DriverID    string `json:"driverId,omitempty"`
	PassengerID string `json:"passengerId,omitempty"`
}

func (a actor) driver() error {
	if a.DriverID == "" {
		return errs.New(errs.Validation, "driverId is required")
	}
	return nil
}

func (a actor) passenger() error {
	if a.PassengerID == "" {
		return errs.New(errs.Validation, "passengerId is required")
	}
	return nil
}

func toCreateRequest(passengerID string, req BookingRequest) lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		PassengerID: passengerID,
		VehicleType: req.VehicleType,
		Pickup:      *req.Pickup,
		Dropoff:     *req.Dropoff,
	}
}

func toCompleteOptions(req TripComplete) trip.CompleteOptions {
	opts := trip.CompleteOptions{EndLocation: req.EndLocation, DebitPassengerWallet: req.DebitPassengerWallet}
	if req.SurgeMultiplier != nil {
		opts.SurgeMultiplier = *req.SurgeMultiplier
	}
	if req.Discount != nil {
		opts.Discount = *req.Discount
	}
	return opts
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actor
		BookingRequest
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.passenger(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.BookingRequest.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.Lifecycle.CreateBooking(r.Context(), toCreateRequest(req.PassengerID, req.BookingRequest))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	h, err := s.Lifecycle.Trip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req actor
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.driver(); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.Lifecycle.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actor
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	var (
		b   *models.Booking
		err error
	)
	switch {
	case req.PassengerID != "" && req.DriverID != "":
		err = errs.New(errs.Validation, "cancel as either passengerId or driverId, not both")
	case req.PassengerID != "":
		b, err = s.Lifecycle.CancelByPassenger(r.Context(), id, req.PassengerID, req.Reason)
	case req.DriverID != "":
		b, err = s.Lifecycle.CancelByDriver(r.Context(), id, req.DriverID, req.Reason)
	default:
		err = errs.New(errs.Validation, "passengerId or driverId is required")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actor
		TripStart
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.BookingID = mux.Vars(r)["id"]
	if err := req.driver(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.TripStart.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.Lifecycle.StartTrip(r.Context(), req.BookingID, req.DriverID, req.StartLocation)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) decodeTripLocation(w http.ResponseWriter, r *http.Request) (actor, TripLocation, bool) {
	var req struct {
		actor
		TripLocation
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return actor{}, TripLocation{}, false
	}
	req.BookingID = mux.Vars(r)["id"]
	if err := req.driver(); err != nil {
		s.fail(w, r, err)
		return actor{}, TripLocation{}, false
	}
	if err := req.TripLocation.Validate(); err != nil {
		s.fail(w, r, err)
		return actor{}, TripLocation{}, false
	}
	return req.actor, req.TripLocation, true
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	a, loc, ok := s.decodeTripLocation(w, r)
	if !ok {
		return
	}
	fare, err := s.Lifecycle.RecordLocation(r.Context(), loc.BookingID, a.DriverID, *loc.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fare)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	a, loc, ok := s.decodeTripLocation(w, r)
	if !ok {
		return
	}
	fare, err := s.Lifecycle.Preview(r.Context(), loc.BookingID, a.DriverID, *loc.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fare)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actor
		TripComplete
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.BookingID = mux.Vars(r)["id"]
	if err := req.driver(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.TripComplete.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.Lifecycle.CompleteTrip(r.Context(), req.BookingID, req.DriverID, toCompleteOptions(req.TripComplete))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req actor
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.passenger(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Lifecycle.PassengerDisconnected(r.Context(), mux.Vars(r)["id"], req.PassengerID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req actor
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.passenger(); err != nil {
		s.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.ownedBooking(r.Context(), id, req.PassengerID); err != nil {
		s.fail(w, r, err)
		return
	}
	cleared := s.Lifecycle.PassengerReconnected(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"bookingId": id, "timerCleared": cleared})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Availability
		ConnectionID string `json:"connectionId,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ConnectionID == "" {
		req.ConnectionID = "http"
	}
	driverID := mux.Vars(r)["id"]
	n, err := s.Lifecycle.SetAvailability(r.Context(), driverID, req.ConnectionID, *req.Available)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverId": driverID, "available": *req.Available, "offered": n})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.DriverID == "" || !geo.ValidCoord(models.Coord{Lat: p.Lat, Lon: p.Lon}) {
		s.fail(w, r, errs.New(errs.Validation, "driverId and valid coordinates are required"))
		return
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	s.Registry.SetLiveLocation(p.DriverID, models.LiveLocation{Lat: p.Lat, Lon: p.Lon, Bearing: p.Bearing, UpdatedAt: p.At})
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), p); err != nil {
			s.requestLogger(r).Warn("location_publish_failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if err := s.Geo.Apply(r.Context(), p); err != nil {
		s.fail(w, r, errs.Wrap(errs.UpstreamService, err, "update driver index"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSurge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || !geo.ValidCoord(models.Coord{Lat: lat, Lon: lon}) {
		s.fail(w, r, errs.New(errs.Validation, "lat and lon query parameters are required"))
		return
	}
	if s.Surge == nil {
		writeJSON(w, http.StatusOK, pricing.SurgeInfo{Multiplier: 1, Level: pricing.LevelNormal})
		return
	}
	info, err := s.Surge.At(r.Context(), models.Coord{Lat: lat, Lon: lon}, q.Get("vehicleType"))
	if err != nil {
		s.fail(w, r, errs.Wrap(errs.UpstreamService, err, "surge lookup"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}
