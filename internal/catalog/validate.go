package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lightdeck/lightdeck/internal/protocol"
)

var (
	// ErrNotFound is returned for lookups of unknown records.
	ErrNotFound = errors.New("catalog: not found")

	// ErrValidation marks invalid user input. Concrete failures carry a
	// *ValidationError with the field list.
	ErrValidation = errors.New("catalog: validation failed")
)

// FieldError names one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates the field errors of one request.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "catalog: invalid input: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ValidateScript checks the structural invariants of a script: at least one
// step, durations at or above the minimum, strict hex colors and known
// easing types.
func ValidateScript(s *Script, field string) error {
	var v ValidationError
	validateScriptInto(&v, s, field)
	return v.orNil()
}

func validateScriptInto(v *ValidationError, s *Script, field string) {
	if len(s.Steps) == 0 {
		v.add(field+".steps", "at least one step is required")
		return
	}
	if s.LoopCount != nil && *s.LoopCount < 0 {
		v.add(field+".loopCount", "must not be negative")
	}
	if s.GlobalDelay < 0 {
		v.add(field+".globalDelay", "must not be negative")
	}
	for i, step := range s.Steps {
		prefix := fmt.Sprintf("%s.steps[%d]", field, i)
		if step.Duration < MinStepDuration {
			v.add(prefix+".duration", "must be at least %d ms", MinStepDuration)
		}
		if step.Brightness < 0 || step.Brightness > 100 {
			v.add(prefix+".brightness", "must be between 0 and 100")
		}
		if step.Color != "" && !protocol.IsHexColor(step.Color) {
			v.add(prefix+".color", "must match #RRGGBB")
		}
		if step.Color == "" && step.Temperature == 0 {
			v.add(prefix, "either color or temperature is required")
		}
		if step.Easing != nil {
			switch step.Easing.Type {
			case EasingLinear, EasingIn, EasingOut, EasingInOut:
			default:
				v.add(prefix+".easing.type", "unknown easing %q", step.Easing.Type)
			}
			if step.Easing.Duration < 0 {
				v.add(prefix+".easing.duration", "must not be negative")
			}
		}
	}
}

// ValidateLightingEffect checks a lighting effect record.
func ValidateLightingEffect(e *LightingEffect) error {
	var v ValidationError
	if e.Name == "" {
		v.add("name", "is required")
	}
	if e.Type != "preset" && e.Type != "custom" {
		v.add("type", "must be preset or custom")
	}
	validateScriptInto(&v, &e.Script, "script")
	return v.orNil()
}

// ValidateSoundButton checks a sound button record.
func ValidateSoundButton(b *SoundButton) error {
	var v ValidationError
	if b.Name == "" {
		v.add("name", "is required")
	}
	if b.Volume < 0 || b.Volume > 100 {
		v.add("volume", "must be between 0 and 100")
	}
	if b.LightEffect == "" {
		b.LightEffect = LightEffectNone
	}
	return v.orNil()
}

// ValidateScene checks a scene record.
func ValidateScene(s *Scene) error {
	var v ValidationError
	if s.Name == "" {
		v.add("name", "is required")
	}
	if s.Script != nil {
		validateScriptInto(&v, s.Script, "script")
	} else if s.Configuration == nil {
		v.add("configuration", "required when no script is given")
	}
	if s.Configuration != nil {
		if b := s.Configuration.Brightness; b != nil && (*b < 0 || *b > 100) {
			v.add("configuration.brightness", "must be between 0 and 100")
		}
		if s.Configuration.Color != "" && !protocol.IsHexColor(s.Configuration.Color) {
			v.add("configuration.color", "must match #RRGGBB")
		}
	}
	for id, ds := range s.DeviceSettings {
		if ds.Color != "" && !protocol.IsHexColor(ds.Color) {
			v.add("deviceSettings."+id+".color", "must match #RRGGBB")
		}
	}
	return v.orNil()
}
