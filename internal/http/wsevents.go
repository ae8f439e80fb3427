package httpapi

import (
	"encoding/json"
	"math"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Inbound websocket event types.
const (
	EvBookingRequest     = "booking:request"
	EvBookingCancel      = "booking:cancel"
	EvBookingJoin        = "booking:join"
	EvPassengerReconnect = "passenger:reconnect"
	EvBookingAccept      = "booking:accept"
	EvTripStart          = "trip:start"
	EvTripLocation       = "trip:location"
	EvTripComplete       = "trip:complete"
	EvDriverAvailability = "driver:availability"
	EvPricingPreview     = "pricing:preview"
)

// Envelope is the frame both sides exchange: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type validator interface {
	Validate() error
}

func checkCoord(field string, c *models.Coord, required bool) error {
	if c == nil {
		if required {
			return errs.New(errs.Validation, "%s is required", field)
		}
		return nil
	}
	if !geo.ValidCoord(*c) {
		return errs.New(errs.Validation, "%s has invalid coordinates", field)
	}
	return nil
}

func requireBooking(id string) error {
	if id == "" {
		return errs.New(errs.Validation, "bookingId is required")
	}
	return nil
}

type BookingRequest struct {
	VehicleType string        `json:"vehicleType"`
	Pickup      *models.Coord `json:"pickup"`
	Dropoff     *models.Coord `json:"dropoff"`
}

func (e BookingRequest) Validate() error {
	if e.VehicleType == "" {
		return errs.New(errs.Validation, "vehicleType is required")
	}
	if err := checkCoord("pickup", e.Pickup, true); err != nil {
		return err
	}
	return checkCoord("dropoff", e.Dropoff, true)
}

// BookingRef carries a booking id and, for cancellations, a reason.
type BookingRef struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason,omitempty"`
}

func (e BookingRef) Validate() error { return requireBooking(e.BookingID) }

type TripStart struct {
	BookingID     string        `json:"bookingId"`
	StartLocation *models.Coord `json:"startLocation,omitempty"`
}

func (e TripStart) Validate() error {
	if err := requireBooking(e.BookingID); err != nil {
		return err
	}
	return checkCoord("startLocation", e.StartLocation, false)
}

// TripLocation is used for trip:location and pricing:preview.
type TripLocation struct {
	BookingID string        `json:"bookingId"`
	Location  *models.Coord `json:"location"`
}

func (e TripLocation) Validate() error {
	if err := requireBooking(e.BookingID); err != nil {
		return err
	}
	return checkCoord("location", e.Location, true)
}

type TripComplete struct {
	BookingID            string        `json:"bookingId"`
	EndLocation          *models.Coord `json:"endLocation,omitempty"`
	SurgeMultiplier      *float64      `json:"surgeMultiplier,omitempty"`
	Discount             *float64      `json:"discount,omitempty"`
	DebitPassengerWallet bool          `json:"debitPassengerWallet,omitempty"`
}

func (e TripComplete) Validate() error {
	if err := requireBooking(e.BookingID); err != nil {
		return err
	}
	if e.SurgeMultiplier != nil && (*e.SurgeMultiplier < 1 || math.IsNaN(*e.SurgeMultiplier)) {
		return errs.New(errs.Validation, "surgeMultiplier must be >= 1")
	}
	if e.Discount != nil && (*e.Discount < 0 || math.IsNaN(*e.Discount)) {
		return errs.New(errs.Validation, "discount must be >= 0")
	}
	return checkCoord("endLocation", e.EndLocation, false)
}

type Availability struct {
	Available *bool `json:"available"`
}

func (e Availability) Validate() error {
	if e.Available == nil {
		return errs.New(errs.Validation, "available is required")
	}
	return nil
}

var (
	passengerEvents = map[string]func() validator{
		EvBookingRequest:     func() validator { return &BookingRequest{} },
		EvBookingCancel:      func() validator { return &BookingRef{} },
		EvBookingJoin:        func() validator { return &BookingRef{} },
		EvPassengerReconnect: func() validator { return &BookingRef{} },
	}
	driverEvents = map[string]func() validator{
		EvBookingAccept:      func() validator { return &BookingRef{} },
		EvBookingCancel:      func() validator { return &BookingRef{} },
		EvTripStart:          func() validator { return &TripStart{} },
		EvTripLocation:       func() validator { return &TripLocation{} },
		EvTripComplete:       func() validator { return &TripComplete{} },
		EvDriverAvailability: func() validator { return &Availability{} },
		EvPricingPreview:     func() validator { return &TripLocation{} },
	}
)

func decodeInbound(raw []byte, table map[string]func() validator) (string, validator, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, errs.New(errs.Validation, "malformed frame: %v", err)
	}
	mk, ok := table[env.Type]
	if !ok {
		return env.Type, nil, errs.New(errs.Validation, "unsupported event %q", env.Type)
	}
	v := mk()
	if len(env.Data) == 0 {
		return env.Type, nil, errs.New(errs.Validation, "%s: data is required", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.Type, nil, errs.New(errs.Validation, "%s: %v", env.Type, err)
	}
	if err := v.Validate(); err != nil {
		return env.Type, nil, err
	}
	return env.Type, v, nil
}

// DecodePassengerEvent parses and validates a frame from a passenger socket.
func DecodePassengerEvent(raw []byte) (string, any, error) {
	t, v, err := decodeInbound(raw, passengerEvents)
	return t, v, err
}

// DecodeDriverEvent parses and validates a frame from a driver socket.
func DecodeDriverEvent(raw []byte) (string, any, error) {
	t, v, err := decodeInbound(raw, driverEvents)
	return t, v, err
}
