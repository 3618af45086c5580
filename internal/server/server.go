// Package server is the HTTP + WebSocket surface of the control plane. It
// exposes the device registry, the sound/scene/effect catalog and the audio
// blob store over a chi router, and pushes bus events to connected clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lightdeck/lightdeck/internal/blob"
	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/catalog"
	"github.com/lightdeck/lightdeck/internal/effects"
	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/protocol"
	"github.com/lightdeck/lightdeck/internal/registry"
	"github.com/lightdeck/lightdeck/internal/transport"
)

// Fade durations for direct device commands, in milliseconds.
const (
	powerFadeMs = 0
	colorFadeMs = 500
)

// player is the effect runtime as the handlers see it.
type player interface {
	Start(effectID string, script *catalog.Script, deviceIDs []int, opts effects.StartOptions) (*effects.Handle, error)
	Stop(effectID string, deviceIDs ...int)
	StopAll(deviceIDs ...int)
}

// discoverer triggers a device discovery round.
type discoverer interface {
	Discover() error
}

// lanSender is the unicast half of the transport plus its health signal and
// per-device state cleanup.
type lanSender interface {
	SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error
	Down() bool
	Forget(mac string)
}

// Deps are the subsystems the server fronts.
type Deps struct {
	Registry  *registry.Registry
	Catalog   catalog.Store
	Blobs     *blob.Store
	Effects   player
	Discovery discoverer
	LAN       lanSender
	Bus       *bus.Bus
}

// Server is the HTTP API and push hub.
type Server struct {
	log        zerolog.Logger
	cfg        *Config
	httpServer *http.Server

	reg     *registry.Registry
	store   catalog.Store
	blobs   *blob.Store
	effects player
	disc    discoverer
	lan     lanSender
	bus     *bus.Bus

	hub *hub
	wg  sync.WaitGroup
}

// New wires the server. It does not start listening; call Run.
func New(cfg *Config, deps Deps) *Server {
	s := &Server{
		log:     logging.WithComponent("server"),
		cfg:     cfg,
		reg:     deps.Registry,
		store:   deps.Catalog,
		blobs:   deps.Blobs,
		effects: deps.Effects,
		disc:    deps.Discovery,
		lan:     deps.LAN,
		bus:     deps.Bus,
		hub:     newHub(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler builds the chi router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/discover", s.handleDiscover)
			r.Post("/{id}/power", s.handleDevicePower)
			r.Post("/{id}/color", s.handleDeviceColor)
			r.Delete("/{id}", s.handleDeleteDevice)
		})

		r.Route("/sound-buttons", func(r chi.Router) {
			r.Get("/", s.handleListSoundButtons)
			r.Post("/", s.handleCreateSoundButton)
			r.Put("/{id}", s.handleUpdateSoundButton)
			r.Delete("/{id}", s.handleDeleteSoundButton)
		})

		r.Get("/audio/{name}", s.handleAudio)

		r.Route("/scenes", func(r chi.Router) {
			r.Get("/", s.handleListScenes)
			r.Post("/", s.handleCreateScene)
			r.Put("/{id}", s.handleUpdateScene)
			r.Post("/{id}/apply", s.handleApplyScene)
			r.Delete("/{id}", s.handleDeleteScene)
		})

		r.Route("/light-effects", func(r chi.Router) {
			r.Get("/", s.handleListEffects)
			r.Post("/", s.handleCreateEffect)
			r.Put("/{id}", s.handleUpdateEffect)
			r.Post("/{id}/apply", s.handleApplyEffect)
			r.Post("/{id}/stop", s.handleStopEffect)
			r.Delete("/{id}", s.handleDeleteEffect)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	if s.bus != nil {
		sub := s.bus.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.run(ctx, sub)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
		s.hub.closeAll()
		s.wg.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.lan != nil && s.lan.Down() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

// Devices

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.disc.Discover(); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "discovery broadcast sent"})
}

func (s *Server) handleDevicePower(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Power bool `json:"power"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	dev, err := s.reg.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	level := protocol.PowerOff
	if req.Power {
		level = protocol.PowerOn
	}
	if err := s.sendToDevice(dev, protocol.TypeSetLightPower, protocol.EncodeSetLightPower(level, powerFadeMs)); err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.reg.Mutate(id, registry.Patch{Power: &req.Power})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeviceColor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var color protocol.HSBK
	if !decodeBody(w, r, &color) {
		return
	}

	dev, err := s.reg.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if err := s.sendToDevice(dev, protocol.TypeSetColor, protocol.EncodeSetColor(color, colorFadeMs)); err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.reg.Mutate(id, registry.Patch{Color: &color})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dev, err := s.reg.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.effects.StopAll(id)
	if err := s.reg.Delete(id); err != nil {
		s.respondError(w, err)
		return
	}
	// Release the device's rate-limiter bucket along with its record.
	s.lan.Forget(dev.MAC)
	respondJSON(w, http.StatusOK, map[string]string{"message": "device removed"})
}

// sendToDevice emits one unicast frame to a device's last-known address.
func (s *Server) sendToDevice(dev registry.Device, typ uint16, payload []byte) error {
	if s.lan.Down() {
		return transport.ErrTransportDown
	}
	addr, ok := s.reg.Addr(dev.MAC)
	if !ok {
		return registry.ErrNotFound
	}
	target, err := protocol.TargetFromMAC(dev.MAC)
	if err != nil {
		return err
	}
	return s.lan.SendTo(target, addr, typ, payload, true)
}

// Sound buttons

func (s *Server) handleListSoundButtons(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.SoundButtons())
}

func (s *Server) handleCreateSoundButton(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("audioFile")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "audioFile is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, err)
		return
	}

	btn := catalog.SoundButton{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		LightEffect: r.FormValue("lightEffect"),
		Color:       r.FormValue("color"),
		Icon:        r.FormValue("icon"),
		Volume:      formInt(r, "volume", 50),
		SortOrder:   formInt(r, "sortOrder", 0),
	}
	if raw := r.FormValue("targetDevices"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &btn.TargetDevices); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "targetDevices must be a JSON array of device ids"})
			return
		}
	}

	name, err := s.blobs.Save(header.Filename, data)
	if err != nil {
		s.respondError(w, err)
		return
	}
	btn.AudioFile = name

	created, err := s.store.CreateSoundButton(btn)
	if err != nil {
		// The upload has no owner; don't leave it behind.
		if derr := s.blobs.Delete(name); derr != nil {
			s.log.Warn().Err(derr).Str("blob", name).Msg("orphan cleanup failed")
		}
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdateSoundButton(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var btn catalog.SoundButton
	if !decodeBody(w, r, &btn) {
		return
	}

	// Metadata-only update: the audio clip is immutable after upload.
	existing, err := s.store.SoundButton(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	btn.AudioFile = existing.AudioFile

	updated, err := s.store.UpdateSoundButton(id, btn)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSoundButton(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	removed, err := s.store.DeleteSoundButton(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if removed.AudioFile != "" {
		if err := s.blobs.Delete(removed.AudioFile); err != nil && !errors.Is(err, blob.ErrBlobMissing) {
			s.log.Warn().Err(err).Str("blob", removed.AudioFile).Msg("audio cleanup failed")
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "sound button removed"})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := s.blobs.Read(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// Scenes

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Scenes())
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	var sc catalog.Scene
	if !decodeBody(w, r, &sc) {
		return
	}
	created, err := s.store.CreateScene(sc)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdateScene(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var sc catalog.Scene
	if !decodeBody(w, r, &sc) {
		return
	}
	updated, err := s.store.UpdateScene(id, sc)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleApplyScene(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sc, err := s.store.Scene(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	script, persist := sceneScript(sc)
	handle, err := s.effects.Start(sceneKey(sc.ID), script, sc.TargetDevices, effects.StartOptions{
		TurnOnIfOff: sc.TurnOnIfOff,
		Persist:     persist,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.publish(bus.TypeSceneApplied, map[string]any{"sceneId": sc.ID, "devices": handle.Devices})
	respondJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("scene %q applied", sc.Name)})
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.effects.Stop(sceneKey(id))
	if err := s.store.DeleteScene(id); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "scene removed"})
}

// sceneScript resolves what a scene plays: its script verbatim, or a
// single-step script synthesized from the static configuration. Config
// scenes persist their look; scripted scenes restore like effects do.
func sceneScript(sc catalog.Scene) (*catalog.Script, bool) {
	if sc.Script != nil {
		return sc.Script, false
	}

	cfg := sc.Configuration
	base := catalog.Step{Brightness: 100, Duration: catalog.MinStepDuration}
	if cfg != nil {
		if cfg.Brightness != nil {
			base.Brightness = *cfg.Brightness
		}
		if cfg.Color != "" {
			base.Color = cfg.Color
		} else if cfg.Temperature != nil {
			base.Temperature = *cfg.Temperature
		}
		// The configured duration is the fade into the look, so it becomes
		// the step's easing; the hold covers the fade so the session does
		// not end mid-transition.
		if cfg.Duration != nil && *cfg.Duration > 0 {
			base.Easing = &catalog.Easing{Type: catalog.EasingLinear, Duration: *cfg.Duration}
			if *cfg.Duration > base.Duration {
				base.Duration = *cfg.Duration
			}
		}
	}
	if base.Color == "" && base.Temperature == 0 {
		base.Temperature = 3500
	}
	steps := []catalog.Step{base}

	// Per-device overrides run after the base look so the override wins.
	ids := make([]int, 0, len(sc.DeviceSettings))
	for key := range sc.DeviceSettings {
		if n, err := strconv.Atoi(key); err == nil {
			ids = append(ids, n)
		}
	}
	sort.Ints(ids)
	for _, devID := range ids {
		set := sc.DeviceSettings[strconv.Itoa(devID)]
		step := base
		step.DeviceIDs = []int{devID}
		if set.Color != "" {
			step.Color = set.Color
			step.Temperature = 0
		}
		if set.Brightness != nil {
			step.Brightness = *set.Brightness
		}
		steps = append(steps, step)
	}

	return &catalog.Script{Steps: steps}, true
}

// Lighting effects

func (s *Server) handleListEffects(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.LightingEffects())
}

func (s *Server) handleCreateEffect(w http.ResponseWriter, r *http.Request) {
	var eff catalog.LightingEffect
	if !decodeBody(w, r, &eff) {
		return
	}
	created, err := s.store.CreateLightingEffect(eff)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdateEffect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var eff catalog.LightingEffect
	if !decodeBody(w, r, &eff) {
		return
	}
	updated, err := s.store.UpdateLightingEffect(id, eff)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleApplyEffect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	eff, err := s.store.LightingEffect(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var req struct {
		LoopCount *int  `json:"loopCount"`
		Devices   []int `json:"devices"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	_, err = s.effects.Start(effectKey(eff.ID), &eff.Script, req.Devices, effects.StartOptions{
		LoopCount: req.LoopCount,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("effect %q started", eff.Name)})
}

func (s *Server) handleStopEffect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.effects.Stop(effectKey(id))
	respondJSON(w, http.StatusOK, map[string]string{"message": "effect stopped"})
}

func (s *Server) handleDeleteEffect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.effects.Stop(effectKey(id))
	if err := s.store.DeleteLightingEffect(id); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "effect removed"})
}

// Playback keys namespace catalog records inside the effect runtime so that
// stop-by-id only touches its own sessions.

func effectKey(id int) string { return "effect-" + strconv.Itoa(id) }
func sceneKey(id int) string  { return "scene-" + strconv.Itoa(id) }

func (s *Server) publish(typ string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Type: typ, Payload: payload})
	}
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps subsystem errors onto the API's status codes without
// leaking internals.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"errors": verr.Fields,
		})
	case errors.Is(err, catalog.ErrValidation), errors.Is(err, effects.ErrInvalidScript):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid input"})
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, blob.ErrBlobMissing):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, transport.ErrTransportDown):
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device transport unavailable"})
	case errors.Is(err, effects.ErrNoTargets):
		respondJSON(w, http.StatusConflict, map[string]string{"error": "no eligible target devices"})
	default:
		s.log.Error().Err(err).Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func formInt(r *http.Request, field string, def int) int {
	raw := r.FormValue(field)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
