package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
)

type fakeConn struct {
	mu        sync.Mutex
	msgs      []Message
	fail      bool
	closed    bool
	deadlines int
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, v.(Message))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

// stuckConn never finishes a write until release is closed.
type stuckConn struct{ release chan struct{} }

func (c *stuckConn) WriteJSON(interface{}) error {
	<-c.release
	return errors.New("write timeout")
}

func (c *stuckConn) Close() error { return nil }

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakePusher struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePusher) Push(_ context.Context, driverID, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, driverID+"/"+event)
	return nil
}

type fakeStream struct{ got []events.Event }

func (s *fakeStream) Publish(_ context.Context, ev events.Event) error {
	s.got = append(s.got, ev)
	return nil
}

func (s *fakeStream) Close() error { return nil }

func TestHubPublishAndRemove(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeConn{}, &fakeConn{}
	h.Add("s1", a, BookingChannel("b1"))
	h.Add("s2", b, BookingChannel("b1"), PassengerChannel("p1"))

	n, err := h.Publish(BookingChannel("b1"), Message{Type: events.PricingUpdate})
	if err != nil || n != 2 {
		t.Fatalf("publish = %d, %v", n, err)
	}
	eventually(t, "both frames written", func() bool {
		return len(a.types()) == 1 && len(b.types()) == 1
	})

	left := h.Remove("s2")
	if len(left) != 2 {
		t.Fatalf("expected 2 joined channels, got %v", left)
	}
	if !b.isClosed() {
		t.Fatal("remove should close the connection")
	}
	if h.Subscribers(PassengerChannel("p1")) != 0 {
		t.Fatal("passenger channel should be empty after remove")
	}
	if _, err := h.Publish(PassengerChannel("p1"), Message{Type: "x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionSetsWriteDeadline(t *testing.T) {
	h := NewHub(nil)
	conn := &fakeConn{}
	s := h.Add("s1", conn)
	if err := s.Send(Message{Type: events.BookingUpdate}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "frame written", func() bool { return len(conn.types()) == 1 })
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.deadlines != 1 {
		t.Fatalf("write deadlines = %d, want 1", conn.deadlines)
	}
}

func TestHubDropsSessionAfterFailedWrite(t *testing.T) {
	h := NewHub(nil)
	bad := &fakeConn{fail: true}
	h.Add("ok", &fakeConn{}, DriversChannel)
	h.Add("bad", bad, DriversChannel)
	if n, err := h.Publish(DriversChannel, Message{Type: events.BookingNew}); n != 2 || err != nil {
		t.Fatalf("publish = %d, %v", n, err)
	}
	eventually(t, "failed session closed", bad.isClosed)

	n, err := h.Publish(DriversChannel, Message{Type: events.BookingNew})
	if n != 1 || !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("publish = %d, %v; want 1 and ErrSessionClosed", n, err)
	}
}

func TestFanoutDoesNotWaitForStuckSocket(t *testing.T) {
	h := NewHub(nil)
	stuck := &stuckConn{release: make(chan struct{})}
	defer close(stuck.release)
	h.Add("slow", stuck, DriversChannel)
	f := NewFanout(h, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer+5; i++ {
			f.Send(context.Background(), DriversChannel, events.BookingNew, map[string]int{"n": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout blocked on a socket that never drains")
	}
	if _, err := h.Publish(DriversChannel, Message{Type: events.BookingNew}); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
}

func TestFanoutFallsBackToPushAndMirrorsAdmins(t *testing.T) {
	h := NewHub(nil)
	admin := &fakeConn{}
	h.Add("admin", admin, AdminsChannel)
	push := &fakePusher{}
	stream := &fakeStream{}
	f := NewFanout(h, push, stream, nil)

	f.Send(context.Background(), DriverChannel("d1"), events.BookingNew, map[string]string{"bookingId": "b1"})

	if len(push.calls) != 1 || push.calls[0] != "d1/booking:new" {
		t.Fatalf("push calls = %v", push.calls)
	}
	eventually(t, "admin mirror", func() bool { return len(admin.types()) == 1 })
	if got := admin.types(); got[0] != events.DriverNotification {
		t.Fatalf("admin frames = %v", got)
	}
	if len(stream.got) != 1 || stream.got[0].Channel != "driver:d1" || stream.got[0].Key != "d1" {
		t.Fatalf("stream = %+v", stream.got)
	}
}

func TestFanoutPrefersSocket(t *testing.T) {
	h := NewHub(nil)
	conn := &fakeConn{}
	h.Add("s1", conn, DriverChannel("d1"))
	push := &fakePusher{}
	f := NewFanout(h, push, nil, nil)

	f.Send(context.Background(), DriverChannel("d1"), events.BookingUnavailable, nil)
	if len(push.calls) != 0 {
		t.Fatalf("push should not be used when a socket exists: %v", push.calls)
	}
	eventually(t, "driver frame", func() bool { return len(conn.types()) == 1 })
	if got := conn.types(); got[0] != events.BookingUnavailable {
		t.Fatalf("frames = %v", got)
	}
}

func TestFanoutPassengerHasNoPushOrMirror(t *testing.T) {
	h := NewHub(nil)
	admin := &fakeConn{}
	h.Add("admin", admin, AdminsChannel)
	push := &fakePusher{}
	f := NewFanout(h, push, nil, nil)

	f.Send(context.Background(), PassengerChannel("p1"), events.BookingUpdate, nil)
	if len(push.calls) != 0 || len(admin.types()) != 0 {
		t.Fatalf("passenger events must not push or mirror: push=%v admin=%v", push.calls, admin.types())
	}
}

func TestPushClientPostsTopicMessage(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushClient(srv.URL, "secret")
	if err := p.Push(context.Background(), "d9", events.BookingNew, map[string]string{"bookingId": "b1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	msg, _ := gotBody["message"].(map[string]any)
	if msg["topic"] != "driver_d9" {
		t.Fatalf("topic = %v", msg["topic"])
	}
}

func TestPushClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewPushClient(srv.URL, "").Push(context.Background(), "d1", "x", nil); err == nil {
		t.Fatal("expected error for 502")
	}
}
