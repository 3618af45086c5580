package catalog

import (
	"sort"
	"sync"
)

// Store is the catalog persistence boundary. The in-memory implementation
// below is the only one shipped; a relational one can slot in behind the
// same interface.
type Store interface {
	SoundButtons() []SoundButton
	SoundButton(id int) (SoundButton, error)
	CreateSoundButton(b SoundButton) (SoundButton, error)
	UpdateSoundButton(id int, b SoundButton) (SoundButton, error)
	DeleteSoundButton(id int) (SoundButton, error)

	Scenes() []Scene
	Scene(id int) (Scene, error)
	CreateScene(s Scene) (Scene, error)
	UpdateScene(id int, s Scene) (Scene, error)
	DeleteScene(id int) error

	LightingEffects() []LightingEffect
	LightingEffect(id int) (LightingEffect, error)
	CreateLightingEffect(e LightingEffect) (LightingEffect, error)
	UpdateLightingEffect(id int, e LightingEffect) (LightingEffect, error)
	DeleteLightingEffect(id int) error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	buttons  map[int]SoundButton
	scenes   map[int]Scene
	effects  map[int]LightingEffect
	nextID   map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buttons: make(map[int]SoundButton),
		scenes:  make(map[int]Scene),
		effects: make(map[int]LightingEffect),
		nextID:  map[string]int{"button": 1, "scene": 1, "effect": 1},
	}
}

func (m *MemoryStore) allocID(kind string) int {
	id := m.nextID[kind]
	m.nextID[kind] = id + 1
	return id
}

// SoundButtons lists all buttons ordered by sort order, then id.
func (m *MemoryStore) SoundButtons() []SoundButton {
	m.mu.RLock()
	out := make([]SoundButton, 0, len(m.buttons))
	for _, b := range m.buttons {
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SoundButton returns one button by id.
func (m *MemoryStore) SoundButton(id int) (SoundButton, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buttons[id]
	if !ok {
		return SoundButton{}, ErrNotFound
	}
	return b, nil
}

// CreateSoundButton validates and stores a new button.
func (m *MemoryStore) CreateSoundButton(b SoundButton) (SoundButton, error) {
	if err := ValidateSoundButton(&b); err != nil {
		return SoundButton{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.allocID("button")
	m.buttons[b.ID] = b
	return b, nil
}

// UpdateSoundButton validates and replaces an existing button.
func (m *MemoryStore) UpdateSoundButton(id int, b SoundButton) (SoundButton, error) {
	if err := ValidateSoundButton(&b); err != nil {
		return SoundButton{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buttons[id]; !ok {
		return SoundButton{}, ErrNotFound
	}
	b.ID = id
	m.buttons[id] = b
	return b, nil
}

// DeleteSoundButton removes a button, returning the deleted record so the
// caller can delete its audio blob atomically.
func (m *MemoryStore) DeleteSoundButton(id int) (SoundButton, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buttons[id]
	if !ok {
		return SoundButton{}, ErrNotFound
	}
	delete(m.buttons, id)
	return b, nil
}

// Scenes lists all scenes ordered by id.
func (m *MemoryStore) Scenes() []Scene {
	m.mu.RLock()
	out := make([]Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scene returns one scene by id.
func (m *MemoryStore) Scene(id int) (Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[id]
	if !ok {
		return Scene{}, ErrNotFound
	}
	return s, nil
}

// CreateScene validates and stores a new scene.
func (m *MemoryStore) CreateScene(s Scene) (Scene, error) {
	if err := ValidateScene(&s); err != nil {
		return Scene{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.allocID("scene")
	m.scenes[s.ID] = s
	return s, nil
}

// UpdateScene validates and replaces an existing scene.
func (m *MemoryStore) UpdateScene(id int, s Scene) (Scene, error) {
	if err := ValidateScene(&s); err != nil {
		return Scene{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenes[id]; !ok {
		return Scene{}, ErrNotFound
	}
	s.ID = id
	m.scenes[id] = s
	return s, nil
}

// DeleteScene removes a scene.
func (m *MemoryStore) DeleteScene(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenes[id]; !ok {
		return ErrNotFound
	}
	delete(m.scenes, id)
	return nil
}

// LightingEffects lists all effects ordered by id.
func (m *MemoryStore) LightingEffects() []LightingEffect {
	m.mu.RLock()
	out := make([]LightingEffect, 0, len(m.effects))
	for _, e := range m.effects {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LightingEffect returns one effect by id.
func (m *MemoryStore) LightingEffect(id int) (LightingEffect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.effects[id]
	if !ok {
		return LightingEffect{}, ErrNotFound
	}
	return e, nil
}

// CreateLightingEffect validates and stores a new effect.
func (m *MemoryStore) CreateLightingEffect(e LightingEffect) (LightingEffect, error) {
	if err := ValidateLightingEffect(&e); err != nil {
		return LightingEffect{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.allocID("effect")
	m.effects[e.ID] = e
	return e, nil
}

// UpdateLightingEffect validates and replaces an existing effect.
func (m *MemoryStore) UpdateLightingEffect(id int, e LightingEffect) (LightingEffect, error) {
	if err := ValidateLightingEffect(&e); err != nil {
		return LightingEffect{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.effects[id]; !ok {
		return LightingEffect{}, ErrNotFound
	}
	e.ID = id
	m.effects[id] = e
	return e, nil
}

// DeleteLightingEffect removes an effect.
func (m *MemoryStore) DeleteLightingEffect(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.effects[id]; !ok {
		return ErrNotFound
	}
	delete(m.effects, id)
	return nil
}
