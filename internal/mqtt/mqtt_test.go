package mqtt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"drippyd/internal/config"
)

// MQTT 3.1.1 control packet types, as seen in the fixed header high nibble.
const (
	packetConnect     = 1
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// fakeBroker speaks just enough MQTT to accept a connection: CONNACK,
// SUBACK, PINGRESP. It records every packet type the client sends.
type fakeBroker struct {
	ln net.Listener

	mu    sync.Mutex
	types []byte
}

func startFakeBroker(t *testing.T, addr string) *fakeBroker {
	t.Helper()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	fb := &fakeBroker{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fb.handle(conn)
		}
	}()
	return fb
}

func (fb *fakeBroker) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)

	for {
		typ, body, err := readPacket(r)
		if err != nil {
			return
		}

		fb.mu.Lock()
		fb.types = append(fb.types, typ)
		fb.mu.Unlock()

		switch typ {
		case packetConnect:
			if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
				return
			}
		case packetSubscribe:
			if _, err := conn.Write(subackFor(body)); err != nil {
				return
			}
		case packetPingReq:
			if _, err := conn.Write([]byte{0xd0, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		}
	}
}

// subackFor grants QoS 1 for every filter in a SUBSCRIBE body.
func subackFor(body []byte) []byte {
	filters := 0
	for i := 2; i+1 < len(body); filters++ {
		topicLen := int(body[i])<<8 | int(body[i+1])
		i += 2 + topicLen + 1
	}
	resp := []byte{0x90, byte(2 + filters), body[0], body[1]}
	for i := 0; i < filters; i++ {
		resp = append(resp, 0x01)
	}
	return resp
}

func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var length int
	for shift := 0; shift < 28; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		length |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header >> 4, body, nil
}

func (fb *fakeBroker) saw(typ byte) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, t := range fb.types {
		if t == typ {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func testSubscriber(t *testing.T, addr string) *Subscriber {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}

	cfg := config.Config{
		MQTTBrokerIP:   host,
		MQTTPort:       port,
		MQTTClientID:   "drippyd-test",
		SensorTopics:   []string{"rain_gauge_station/sensor/rain_gauge_tips"},
		RainTopic:      "rain_gauge_station/sensor/rain_gauge_tips",
		HeartbeatTopic: "rain_gauge_station/status/heartbeat",
	}
	sub, err := NewSubscriber(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	t.Cleanup(sub.Disconnect)
	return sub
}

// A connect attempt that outlives its context must keep dialing in the
// background, so a broker that comes up later still gets the connection.
func TestConnect_KeepsRetryingAfterCtxTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the connect retry interval")
	}

	// Reserve a port with nothing listening on it yet.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	sub := testSubscriber(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sub.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect err = %v, want deadline exceeded", err)
	}
	if sub.IsConnected() {
		t.Fatal("connected with no broker listening")
	}

	// Broker shows up after the caller gave up.
	fb := startFakeBroker(t, addr)

	waitFor(t, 15*time.Second, "reconnect to late broker", sub.IsConnected)
	waitFor(t, 5*time.Second, "subscribe after reconnect", func() bool {
		return fb.saw(packetSubscribe)
	})
}

// Shutdown must not unsubscribe: the persistent session keeps its
// subscriptions so the broker queues QoS 1 messages during downtime.
func TestDisconnect_DoesNotUnsubscribe(t *testing.T) {
	fb := startFakeBroker(t, "127.0.0.1:0")
	sub := testSubscriber(t, fb.ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 5*time.Second, "initial subscribe", func() bool {
		return fb.saw(packetSubscribe)
	})

	sub.Disconnect()

	waitFor(t, 5*time.Second, "disconnect packet", func() bool {
		return fb.saw(packetDisconnect)
	})
	if fb.saw(packetUnsubscribe) {
		t.Fatal("client sent UNSUBSCRIBE on shutdown; session subscriptions would be dropped")
	}
}
