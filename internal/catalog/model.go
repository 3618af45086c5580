// Package catalog holds the user-facing records of the control plane: sound
// buttons, scenes and lighting effects, with validation and an in-memory
// store. State is not persisted; defaults are re-seeded on every startup.
package catalog

// Easing types accepted on a script step.
const (
	EasingLinear    = "linear"
	EasingIn        = "ease-in"
	EasingOut       = "ease-out"
	EasingInOut     = "ease-in-out"
)

// LightEffectNone is the sound-button sentinel for "no linked effect".
const LightEffectNone = "none"

// MinStepDuration is the shortest step a script may hold, in milliseconds.
const MinStepDuration = 100

// Easing describes how a step's color transition is shaped.
type Easing struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"` // ms
}

// Step is one entry of a script: a target color (hex or white temperature)
// held for a duration. When both color and temperature are set, hex wins.
type Step struct {
	Brightness  int     `json:"brightness"`            // 0-100
	Color       string  `json:"color,omitempty"`       // #RRGGBB
	Temperature int     `json:"temperature,omitempty"` // kelvin
	Duration    int     `json:"duration"`              // ms, >= MinStepDuration
	Easing      *Easing `json:"easing,omitempty"`
	DeviceIDs   []int   `json:"deviceIds,omitempty"` // empty applies to all targets
}

// Script is an ordered list of steps with loop control.
type Script struct {
	Loop        bool   `json:"loop"`
	LoopCount   *int   `json:"loopCount,omitempty"` // 0 = infinite, nil = 1
	GlobalDelay int    `json:"globalDelay"`         // ms before the first step, not repeated per loop
	Steps       []Step `json:"steps"`
}

// EffectiveLoopCount resolves the loop count: nil means one pass, zero means
// run until stopped.
func (s *Script) EffectiveLoopCount() int {
	if s.LoopCount == nil {
		return 1
	}
	return *s.LoopCount
}

// LightingEffect is a named script playable against a set of devices.
type LightingEffect struct {
	ID                  int    `json:"id"`
	Name                string `json:"name"`
	Type                string `json:"type"` // "preset" or "custom"
	Duration            int    `json:"duration"` // total ms, advisory for UI progress
	Icon                string `json:"icon,omitempty"`
	HiddenFromDashboard bool   `json:"hiddenFromDashboard"`
	Script              Script `json:"script"`
}

// SoundButton pairs an uploaded audio clip with display metadata and an
// optional linked lighting effect.
type SoundButton struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	AudioFile     string `json:"audioFile"`
	LightEffect   string `json:"lightEffect"` // lighting-effect id or "none"
	Color         string `json:"color,omitempty"`
	Icon          string `json:"icon,omitempty"`
	SortOrder     int    `json:"sortOrder"`
	Volume        int    `json:"volume"` // 0-100
	TargetDevices []int  `json:"targetDevices,omitempty"`
}

// SceneConfiguration carries the static look a scene applies when it has no
// step script.
type SceneConfiguration struct {
	Brightness  *int   `json:"brightness,omitempty"`  // 0-100
	Temperature *int   `json:"temperature,omitempty"` // kelvin
	Color       string `json:"color,omitempty"`       // #RRGGBB
	Duration    *int   `json:"duration,omitempty"`    // transition ms
}

// SceneDeviceSetting overrides the scene look for one device.
type SceneDeviceSetting struct {
	Color      string `json:"color,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Scene is a one-shot look or a scripted sequence across devices. Exactly
// one of Configuration or Script is authoritative for playback: the script
// wins when present.
type Scene struct {
	ID             int                           `json:"id"`
	Name           string                        `json:"name"`
	Description    string                        `json:"description,omitempty"`
	Configuration  *SceneConfiguration           `json:"configuration,omitempty"`
	Colors         []string                      `json:"colors,omitempty"` // thumbnail swatches
	Icon           string                        `json:"icon,omitempty"`
	TargetDevices  []int                         `json:"targetDevices,omitempty"`
	Script         *Script                       `json:"script,omitempty"`
	TurnOnIfOff    bool                          `json:"turnOnIfOff"`
	DeviceSettings map[string]SceneDeviceSetting `json:"deviceSettings,omitempty"` // device id -> override
}
