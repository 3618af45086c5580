// Package discovery drives the two periodic network jobs: broadcast
// discovery of new devices and per-device state polling. It also dispatches
// inbound frames into the registry.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/protocol"
	"github.com/lightdeck/lightdeck/internal/registry"
	"github.com/lightdeck/lightdeck/internal/transport"
)

// sender is the outbound half of the transport.
type sender interface {
	Broadcast(typ uint16, payload []byte) error
	SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error
}

// sessionChecker reports whether a device has an active playback session.
// Polling is suppressed for those devices so the poll replies do not fight
// the effect's own sends.
type sessionChecker interface {
	Active(mac string) bool
}

// Config holds the discovery and polling cadence.
type Config struct {
	DiscoverInterval time.Duration
	PollInterval     time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		DiscoverInterval: 30 * time.Second,
		PollInterval:     2 * time.Second,
	}
}

// Service owns the discovery broadcast, the state poller and the inbound
// frame dispatcher.
type Service struct {
	cfg      Config
	log      zerolog.Logger
	sender   sender
	reg      *registry.Registry
	sessions sessionChecker
}

// New creates the discovery service. sessions may be nil when no effect
// runtime is attached (tests).
func New(cfg Config, s sender, reg *registry.Registry, sessions sessionChecker) *Service {
	return &Service{
		cfg:      cfg,
		log:      logging.WithComponent("discovery"),
		sender:   s,
		reg:      reg,
		sessions: sessions,
	}
}

// Discover broadcasts a single GetService probe. Devices answer with
// StateService; the dispatcher follows up with a GetLabel unicast.
func (s *Service) Discover() error {
	return s.sender.Broadcast(protocol.TypeGetService, nil)
}

// Run drives the periodic jobs until ctx is cancelled. An initial discovery
// probe goes out immediately.
func (s *Service) Run(ctx context.Context) {
	if err := s.Discover(); err != nil {
		s.log.Warn().Err(err).Msg("initial discovery failed")
	}

	discoverTicker := time.NewTicker(s.cfg.DiscoverInterval)
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer discoverTicker.Stop()
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discoverTicker.C:
			if err := s.Discover(); err != nil {
				s.log.Warn().Err(err).Msg("discovery broadcast failed")
			}
		case <-pollTicker.C:
			s.pollAll()
		}
	}
}

// pollAll queries power and color of every known device, skipping devices
// that are mid-effect.
func (s *Service) pollAll() {
	for _, d := range s.reg.List() {
		if s.sessions != nil && s.sessions.Active(d.MAC) {
			continue
		}
		addr, ok := s.reg.Addr(d.MAC)
		if !ok {
			continue
		}
		target, err := protocol.TargetFromMAC(d.MAC)
		if err != nil {
			continue
		}
		if err := s.sender.SendTo(target, addr, protocol.TypeGetPower, nil, true); err != nil {
			s.log.Debug().Err(err).Str("mac", d.MAC).Msg("power poll dropped")
		}
		if err := s.sender.SendTo(target, addr, protocol.TypeGetColor, nil, true); err != nil {
			s.log.Debug().Err(err).Str("mac", d.MAC).Msg("color poll dropped")
		}
	}
}

// HandleFrame is the transport dispatch callback. Unknown message types are
// logged and ignored.
func (s *Service) HandleFrame(in transport.Inbound) {
	mac := in.Header.Target.MAC()

	switch in.Header.Type {
	case protocol.TypeStateService:
		st, err := protocol.DecodeStateService(in.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("bad StateService payload")
			return
		}
		// Only UDP on the standard port is interesting. Per the LAN docs the
		// reply address is authoritative, with the port from the payload.
		if st.Service != 1 || st.Port != protocol.Port || mac == "" {
			return
		}
		addr := &net.UDPAddr{IP: in.Addr.IP, Port: int(st.Port)}
		if err := s.sender.SendTo(in.Header.Target, addr, protocol.TypeGetLabel, nil, true); err != nil {
			s.log.Debug().Err(err).Str("mac", mac).Msg("label query dropped")
		}

	case protocol.TypeStateLabel:
		st, err := protocol.DecodeStateLabel(in.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("bad StateLabel payload")
			return
		}
		s.reg.Observe(registry.Observation{MAC: mac, Addr: in.Addr, Label: &st.Label})

	case protocol.TypeStatePower:
		st, err := protocol.DecodeStatePower(in.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("bad StatePower payload")
			return
		}
		power := st.Level > 0
		s.reg.Observe(registry.Observation{MAC: mac, Addr: in.Addr, Power: &power})

	case protocol.TypeLightState:
		st, err := protocol.DecodeLightState(in.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("bad LightState payload")
			return
		}
		power := st.Power > 0
		s.reg.Observe(registry.Observation{
			MAC:   mac,
			Addr:  in.Addr,
			Label: &st.Label,
			Power: &power,
			Color: &st.Color,
		})

	default:
		s.log.Debug().Uint16("type", in.Header.Type).Str("mac", mac).Msg("ignoring unhandled message type")
	}
}
