// Package transport owns the single UDP socket this process uses to talk to
// LIFX devices: broadcast and unicast sends, the receive-dispatch loop, the
// serialized sequence counter, and reconnection with bounded backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/protocol"
)

var (
	// ErrRateLimited is returned when a send is dropped after waiting for a
	// rate-limit token. Non-fatal: the caller's next send corrects drift.
	ErrRateLimited = errors.New("transport: rate limited")

	// ErrTransportDown is returned while the socket is lost and reconnect
	// attempts are exhausted.
	ErrTransportDown = errors.New("transport: socket down")

	// ErrSendFailed wraps socket-level write errors.
	ErrSendFailed = errors.New("transport: send failed")
)

// Inbound is a decoded frame handed to the dispatcher, with the sender's
// address attached.
type Inbound struct {
	Header  protocol.Header
	Payload []byte
	Addr    *net.UDPAddr
}

// Handler consumes inbound frames. It is called from the receive goroutine
// and must not block.
type Handler func(Inbound)

// Config holds transport tuning knobs.
type Config struct {
	ListenPort int // UDP listen port; 0 picks an ephemeral port (tests)

	DeviceRate  rate.Limit // outgoing frames/s per target device
	DeviceBurst int
	GlobalRate  rate.Limit // outgoing frames/s socket-wide
	GlobalBurst int
	RateWait    time.Duration // how long a send waits for a token before dropping

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	HealthPeriod      time.Duration

	BroadcastAddr *net.UDPAddr // overridable for tests
}

// DefaultConfig returns the production transport configuration.
func DefaultConfig() Config {
	return Config{
		ListenPort:        protocol.Port,
		DeviceRate:        20,
		DeviceBurst:       20,
		GlobalRate:        200,
		GlobalBurst:       200,
		RateWait:          500 * time.Millisecond,
		ReconnectInitial:  time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
		HealthPeriod:      30 * time.Second,
		BroadcastAddr:     &net.UDPAddr{IP: net.IPv4bcast, Port: protocol.Port},
	}
}

// Transport is the process-wide LIFX socket.
type Transport struct {
	cfg     Config
	log     zerolog.Logger
	source  uint32
	seq     atomic.Uint32
	handler Handler
	limits  *limiterSet

	mu   sync.RWMutex
	conn *net.UDPConn
	down bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the socket and starts the receive and health-check loops.
func New(cfg Config, handler Handler) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		log:     logging.WithComponent("transport"),
		source:  nonzeroSource(),
		handler: handler,
		limits:  newLimiterSet(cfg.GlobalRate, cfg.GlobalBurst, cfg.DeviceRate, cfg.DeviceBurst, cfg.RateWait),
		ctx:     ctx,
		cancel:  cancel,
	}

	conn, err := t.bind()
	if err != nil {
		cancel()
		return nil, err
	}
	t.conn = conn

	t.wg.Add(2)
	go t.recvLoop()
	go t.healthLoop()

	return t, nil
}

func nonzeroSource() uint32 {
	for {
		if s := rand.Uint32(); s != 0 {
			return s
		}
	}
}

func (t *Transport) bind() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: t.cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("transport: bind: %w", err)
	}
	return conn, nil
}

// Source returns the process-unique identifier stamped on outgoing frames.
func (t *Transport) Source() uint32 {
	return t.source
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Sequence returns the next outgoing sequence number, wrapping at 256.
func (t *Transport) Sequence() uint8 {
	return uint8(t.seq.Add(1))
}

// Broadcast sends a tagged frame to every device on the LAN.
func (t *Transport) Broadcast(typ uint16, payload []byte) error {
	if err := t.limits.reserve(t.ctx, ""); err != nil {
		return err
	}
	frame := protocol.EncodeFrame(protocol.Header{
		Tagged:   true,
		Source:   t.source,
		Sequence: t.Sequence(),
		Type:     typ,
	}, payload)
	return t.write(frame, t.cfg.BroadcastAddr)
}

// SendTo sends a unicast frame to one device.
func (t *Transport) SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error {
	if err := t.limits.reserve(t.ctx, target.MAC()); err != nil {
		return err
	}
	frame := protocol.EncodeFrame(protocol.Header{
		Source:      t.source,
		Target:      target,
		ResRequired: resRequired,
		Sequence:    t.Sequence(),
		Type:        typ,
	}, payload)
	return t.write(frame, addr)
}

func (t *Transport) write(frame []byte, addr *net.UDPAddr) error {
	t.mu.RLock()
	conn, down := t.conn, t.down
	t.mu.RUnlock()

	if down || conn == nil {
		return ErrTransportDown
	}
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Forget releases per-device rate-limit state for a removed device.
func (t *Transport) Forget(mac string) {
	t.limits.forget(mac)
}

// Down reports whether the socket is currently lost.
func (t *Transport) Down() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.down
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, 2048)

	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn().Err(err).Msg("socket read failed, reconnecting")
			if !t.reconnect() {
				return
			}
			continue
		}

		hdr, payload, err := protocol.DecodeFrame(buf[:n])
		if err != nil {
			// Malformed frames are logged and dropped; they never stop the loop.
			t.log.Debug().Err(err).Str("addr", addr.String()).Msg("dropping undecodable frame")
			continue
		}
		if hdr.Source == t.source && hdr.Tagged {
			// Our own broadcast echoed back by the network stack.
			continue
		}

		if t.handler != nil {
			p := make([]byte, len(payload))
			copy(p, payload)
			t.handler(Inbound{Header: hdr, Payload: p, Addr: addr})
		}
	}
}

// reconnect closes the socket and rebinds with exponential backoff. It
// returns true only after a successful rebind. On shutdown or exhausted
// attempts it returns false so the calling receive loop exits; recovery
// after exhaustion is healthLoop's job, which starts a fresh loop. That
// keeps exactly one receive loop per socket.
func (t *Transport) reconnect() bool {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	delay := t.cfg.ReconnectInitial
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := t.bind()
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.down = false
			t.mu.Unlock()
			t.log.Info().Int("attempt", attempt).Msg("socket rebound")
			return true
		}

		t.log.Warn().Err(err).Int("attempt", attempt).Msg("rebind failed")
		delay *= 2
		if delay > t.cfg.ReconnectMax {
			delay = t.cfg.ReconnectMax
		}
	}

	t.mu.Lock()
	t.down = true
	t.mu.Unlock()
	t.log.Error().Err(ErrTransportDown).Msg("reconnect attempts exhausted")
	return false
}

// healthLoop re-arms the reconnect attempt counter while the socket is down.
func (t *Transport) healthLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HealthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if !t.Down() {
				continue
			}
			conn, err := t.bind()
			if err != nil {
				t.log.Warn().Err(err).Msg("health check rebind failed")
				continue
			}
			t.mu.Lock()
			t.conn = conn
			t.down = false
			t.mu.Unlock()
			t.log.Info().Msg("socket recovered by health check")
			t.wg.Add(1)
			go t.recvLoop()
		}
	}
}

// Close shuts the transport down and waits for its goroutines.
func (t *Transport) Close() {
	t.cancel()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}
