package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	maxFrameBytes   = 64 << 10
	eventTimeout    = 10 * time.Second
	// defaultPongWait is how long a socket may stay silent, pongs included,
	// before it is treated as gone.
	defaultPongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{}

// socket is one connected client. Its fields are only touched from the
// read loop goroutine.
type socket struct {
	srv     *Server
	session *dispatch.Session
	connID  string
	userID  string
	rooms   map[string]struct{}
	log     *slog.Logger
}

func (k *socket) reply(typ string, data any) {
	if err := k.session.Send(dispatch.Message{Type: typ, Data: data}); err != nil {
		k.log.Debug("ws_reply_failed", "type", typ, "error", err)
	}
}

func (k *socket) fail(typ string, err error) {
	if errs.KindOf(err) == "" {
		k.log.Error("ws_event_failed", "type", typ, "error", err)
	}
	k.reply(events.Error, errorPayload(err))
}

func (k *socket) join(bookingID string) {
	k.srv.Hub.Join(k.connID, dispatch.BookingChannel(bookingID))
	k.rooms[bookingID] = struct{}{}
}

func (k *socket) leave(bookingID string) {
	k.srv.Hub.Leave(k.connID, dispatch.BookingChannel(bookingID))
	delete(k.rooms, bookingID)
}

func (s *Server) ownedBooking(ctx context.Context, bookingID, passengerID string) (*models.Booking, error) {
	b, err := s.Lifecycle.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != passengerID {
		return nil, errs.New(errs.Forbidden, "passenger %s does not own booking %s", passengerID, bookingID)
	}
	return b, nil
}

type socketHooks struct {
	open  func(*socket)
	frame func(context.Context, *socket, []byte)
	close func(*socket)
}

// serveSocket upgrades the request and runs the read loop until the client
// goes away. Each frame gets a context bounded by eventTimeout.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, userID string, channels []string, hooks socketHooks) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r).Warn("ws_upgrade_failed", "user_id", userID, "error", err)
		return
	}
	connID := uuid.NewString()
	k := &socket{
		srv:     s,
		session: s.Hub.Add(connID, conn, channels...),
		connID:  connID,
		userID:  userID,
		rooms:   make(map[string]struct{}),
		log:     s.requestLogger(r).With("conn_id", connID, "user_id", userID),
	}
	if hooks.open != nil {
		hooks.open(k)
	}
	defer func() {
		s.Hub.Remove(connID)
		if hooks.close != nil {
			hooks.close(k)
		}
	}()

	pongWait := s.pongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	go keepAlive(conn, k.session.Done(), pongWait*9/10)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				k.log.Info("ws_read_failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(r.Context(), eventTimeout)
		hooks.frame(ctx, k, raw)
		cancel()
	}
}

// keepAlive pings the peer every period until done closes. A failed ping
// closes the connection so the read loop ends.
func keepAlive(conn *websocket.Conn, done <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(dispatch.WriteWait)); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	s.serveSocket(w, r, driverID, []string{dispatch.DriverChannel(driverID), dispatch.DriversChannel}, socketHooks{
		open: func(k *socket) {
			s.Registry.RegisterConnection(driverID, k.connID)
			k.log.Info("driver_connected")
		},
		frame: func(ctx context.Context, k *socket, raw []byte) {
			typ, ev, err := DecodeDriverEvent(raw)
			if err != nil {
				k.fail(typ, err)
				return
			}
			s.onDriverEvent(ctx, k, typ, ev)
		},
		close: func(k *socket) {
			s.Registry.UnregisterConnection(driverID, k.connID)
			k.log.Info("driver_disconnected")
		},
	})
}

func (s *Server) onDriverEvent(ctx context.Context, k *socket, typ string, ev any) {
	driverID := k.userID
	var err error
	switch e := ev.(type) {
	case *BookingRef:
		switch typ {
		case EvBookingAccept:
			if _, err = s.Lifecycle.Accept(ctx, e.BookingID, driverID); err == nil {
				k.join(e.BookingID)
			}
		case EvBookingCancel:
			if _, err = s.Lifecycle.CancelByDriver(ctx, e.BookingID, driverID, e.Reason); err == nil {
				k.leave(e.BookingID)
			}
		}
	case *TripStart:
		if _, err = s.Lifecycle.StartTrip(ctx, e.BookingID, driverID, e.StartLocation); err == nil {
			k.join(e.BookingID)
		}
	case *TripLocation:
		if typ == EvPricingPreview {
			var fare any
			if fare, err = s.Lifecycle.Preview(ctx, e.BookingID, driverID, *e.Location); err == nil {
				k.reply(events.PricingUpdate, fare)
			}
			break
		}
		_, err = s.Lifecycle.RecordLocation(ctx, e.BookingID, driverID, *e.Location)
	case *TripComplete:
		if _, err = s.Lifecycle.CompleteTrip(ctx, e.BookingID, driverID, toCompleteOptions(*e)); err == nil {
			k.leave(e.BookingID)
		}
	case *Availability:
		_, err = s.Lifecycle.SetAvailability(ctx, driverID, k.connID, *e.Available)
	}
	if err != nil {
		k.fail(typ, err)
	}
}

func (s *Server) handlePassengerWS(w http.ResponseWriter, r *http.Request) {
	passengerID := mux.Vars(r)["passenger_id"]
	s.serveSocket(w, r, passengerID, []string{dispatch.PassengerChannel(passengerID)}, socketHooks{
		frame: func(ctx context.Context, k *socket, raw []byte) {
			typ, ev, err := DecodePassengerEvent(raw)
			if err != nil {
				k.fail(typ, err)
				return
			}
			s.onPassengerEvent(ctx, k, typ, ev)
		},
		// Every booking this socket followed gets the disconnect grace timer.
		close: func(k *socket) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), eventTimeout)
			defer cancel()
			for id := range k.rooms {
				if err := s.Lifecycle.PassengerDisconnected(ctx, id, passengerID); err != nil {
					k.log.Warn("passenger_disconnect_failed", "booking_id", id, "error", err)
				}
			}
			k.log.Info("passenger_disconnected", "bookings", len(k.rooms))
		},
	})
}

func (s *Server) onPassengerEvent(ctx context.Context, k *socket, typ string, ev any) {
	passengerID := k.userID
	var err error
	switch e := ev.(type) {
	case *BookingRequest:
		var b *models.Booking
		if b, err = s.Lifecycle.CreateBooking(ctx, toCreateRequest(passengerID, *e)); err == nil {
			k.join(b.ID)
			k.reply(events.BookingUpdate, b)
		}
	case *BookingRef:
		switch typ {
		case EvBookingCancel:
			if _, err = s.Lifecycle.CancelByPassenger(ctx, e.BookingID, passengerID, e.Reason); err == nil {
				k.leave(e.BookingID)
			}
		case EvBookingJoin, EvPassengerReconnect:
			var b *models.Booking
			if b, err = s.ownedBooking(ctx, e.BookingID, passengerID); err == nil {
				k.join(b.ID)
				s.Lifecycle.PassengerReconnected(ctx, b.ID)
				k.reply(events.BookingUpdate, b)
			}
		}
	}
	if err != nil {
		k.fail(typ, err)
	}
}
