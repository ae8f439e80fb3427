package models

import "time"

// Coord is a point on the map. Address is informational only.
type Coord struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

type BookingStatus string

const (
	StatusRequested BookingStatus = "requested"
	StatusAccepted  BookingStatus = "accepted"
	StatusOngoing   BookingStatus = "ongoing"
	StatusCompleted BookingStatus = "completed"
	StatusCanceled  BookingStatus = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

type CanceledBy string

const (
	CanceledByPassenger CanceledBy = "passenger"
	CanceledByDriver    CanceledBy = "driver"
	CanceledBySystem    CanceledBy = "system"
)

type FareBreakdown struct {
	Base            float64 `json:"base"`
	DistanceCost    float64 `json:"distanceCost"`
	TimeCost        float64 `json:"timeCost"`
	WaitingCost     float64 `json:"waitingCost"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	Discount        float64 `json:"discount,omitempty"`
	Total           float64 `json:"total"`
}

type Booking struct {
	ID            string        `json:"id"`
	PassengerID   string        `json:"passengerId"`
	DriverID      string        `json:"driverId,omitempty"`
	Pickup        Coord         `json:"pickup"`
	Dropoff       Coord         `json:"dropoff"`
	StartLocation *Coord        `json:"startLocation,omitempty"`
	EndLocation   *Coord        `json:"endLocation,omitempty"`
	VehicleType   string        `json:"vehicleType"`
	Status        BookingStatus `json:"status"`

	DistanceKm       float64       `json:"distanceKm"`
	FareEstimated    float64       `json:"fareEstimated"`
	FareFinal        float64       `json:"fareFinal,omitempty"`
	FareBreakdown    FareBreakdown `json:"fareBreakdown"`
	WaitingMinutes   int           `json:"waitingMinutes,omitempty"`
	CommissionAmount float64       `json:"commissionAmount,omitempty"`
	DriverEarnings   float64       `json:"driverEarnings,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	CanceledBy     CanceledBy `json:"canceledBy,omitempty"`
	CanceledReason string     `json:"canceledReason,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentOffered  AssignmentStatus = "offered"
	AssignmentAccepted AssignmentStatus = "accepted"
	AssignmentCanceled AssignmentStatus = "canceled"
)

// Assignment is one driver's offer relationship to a booking.
type Assignment struct {
	ID        string           `json:"id"`
	BookingID string           `json:"bookingId"`
	DriverID  string           `json:"driverId"`
	Status    AssignmentStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type PathPoint struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// TripHistory is created at trip start, appended to on each ongoing location
// update and finalized once on completion.
type TripHistory struct {
	BookingID       string      `json:"bookingId"`
	DriverID        string      `json:"driverId"`
	PassengerID     string      `json:"passengerId"`
	VehicleType     string      `json:"vehicleType"`
	StartedAt       time.Time   `json:"startedAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	Path            []PathPoint `json:"path"`
	Fare            float64     `json:"fare"`
	DistanceKm      float64     `json:"distance"`
	WaitingMinutes  int         `json:"waitingTime"`
	Commission      float64     `json:"commission"`
	NetIncome       float64     `json:"netIncome"`
	DropoffLocation *Coord      `json:"dropoffLocation,omitempty"`
}

// PricingRule is the active fare configuration for a vehicle type.
type PricingRule struct {
	VehicleType      string    `json:"vehicleType"`
	BaseFare         float64   `json:"baseFare"`
	PerKm            float64   `json:"perKm"`
	PerMinute        float64   `json:"perMinute"`
	WaitingPerMinute float64   `json:"waitingPerMinute"`
	MinimumFare      float64   `json:"minimumFare"`
	MaximumFare      float64   `json:"maximumFare,omitempty"` // 0 = no cap
	SurgeMultiplier  float64   `json:"surgeMultiplier"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// CommissionOverride is a driver-specific commission percentage.
type CommissionOverride struct {
	DriverID  string    `json:"driverId"`
	Rate      float64   `json:"rate"`
	CreatedAt time.Time `json:"createdAt"`
}

// Driver is the identity-service view of a driver plus its last persisted
// position. Location is nil when the driver never reported one.
type Driver struct {
	ID          string    `json:"id"`
	VehicleType string    `json:"vehicleType"`
	Location    *Coord    `json:"location,omitempty"`
	Available   bool      `json:"available"`
	Updated     time.Time `json:"updated"`
}

// LiveLocation is the most recent ping from a driver's device.
type LiveLocation struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LocationPing is what drivers post and what travels over the location topic.
type LocationPing struct {
	DriverID    string    `json:"driverId"`
	VehicleType string    `json:"vehicleType,omitempty"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Bearing     float64   `json:"bearing"`
	At          time.Time `json:"at"`
}

type DriverEarnings struct {
	BookingID  string    `json:"bookingId"`
	DriverID   string    `json:"driverId"`
	Fare       float64   `json:"fare"`
	Commission float64   `json:"commission"`
	NetIncome  float64   `json:"netIncome"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AdminEarnings struct {
	BookingID      string    `json:"bookingId"`
	DriverID       string    `json:"driverId"`
	Fare           float64   `json:"fare"`
	Commission     float64   `json:"commission"`
	CommissionRate float64   `json:"commissionRate"`
	CreatedAt      time.Time `json:"createdAt"`
}
