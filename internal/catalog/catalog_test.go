package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEffect() LightingEffect {
	return LightingEffect{
		Name: "Blink",
		Type: "custom",
		Script: Script{
			Steps: []Step{
				{Brightness: 100, Color: "#ff0000", Duration: 200},
				{Brightness: 0, Temperature: 3500, Duration: 200},
			},
		},
	}
}

func TestLightingEffectCRUD(t *testing.T) {
	s := NewMemoryStore()

	created, err := s.CreateLightingEffect(validEffect())
	require.NoError(t, err)
	assert.Equal(t, 1, created.ID)

	got, err := s.LightingEffect(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	got.Name = "Blink Twice"
	updated, err := s.UpdateLightingEffect(created.ID, got)
	require.NoError(t, err)
	assert.Equal(t, "Blink Twice", updated.Name)

	require.NoError(t, s.DeleteLightingEffect(created.ID))
	_, err = s.LightingEffect(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScriptValidation(t *testing.T) {
	t.Run("no steps", func(t *testing.T) {
		err := ValidateScript(&Script{}, "script")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("short step duration", func(t *testing.T) {
		err := ValidateScript(&Script{
			Steps: []Step{{Brightness: 50, Temperature: 3500, Duration: 99}},
		}, "script")
		require.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "script.steps[0].duration", verr.Fields[0].Field)
	})

	t.Run("negative loop count", func(t *testing.T) {
		err := ValidateScript(&Script{
			LoopCount: intp(-1),
			Steps:     []Step{{Brightness: 50, Temperature: 3500, Duration: 200}},
		}, "script")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("bad hex color", func(t *testing.T) {
		err := ValidateScript(&Script{
			Steps: []Step{{Brightness: 50, Color: "red", Duration: 200}},
		}, "script")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown easing", func(t *testing.T) {
		err := ValidateScript(&Script{
			Steps: []Step{{Brightness: 50, Temperature: 3500, Duration: 200, Easing: &Easing{Type: "bounce"}}},
		}, "script")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateScript(&Script{
			LoopCount: intp(0),
			Steps:     []Step{{Brightness: 50, Color: "#AbCdEf", Duration: 100}},
		}, "script"))
	})
}

func TestEffectiveLoopCount(t *testing.T) {
	assert.Equal(t, 1, (&Script{}).EffectiveLoopCount())
	assert.Equal(t, 0, (&Script{LoopCount: intp(0)}).EffectiveLoopCount())
	assert.Equal(t, 7, (&Script{LoopCount: intp(7)}).EffectiveLoopCount())
}

func TestSoundButtonDefaultsLightEffect(t *testing.T) {
	s := NewMemoryStore()
	b, err := s.CreateSoundButton(SoundButton{Name: "Horn", AudioFile: "horn-1.mp3", Volume: 80})
	require.NoError(t, err)
	assert.Equal(t, LightEffectNone, b.LightEffect)
}

func TestSoundButtonVolumeValidation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateSoundButton(SoundButton{Name: "Horn", Volume: 150})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSceneRequiresConfigurationOrScript(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateScene(Scene{Name: "Empty"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateScene(Scene{Name: "Static", Configuration: &SceneConfiguration{Brightness: intp(50)}})
	assert.NoError(t, err)
}

func TestSceneSaveReloadStable(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.CreateScene(DefaultScenes()[0])
	require.NoError(t, err)

	first, err := json.Marshal(created)
	require.NoError(t, err)

	reloaded, err := s.Scene(created.ID)
	require.NoError(t, err)
	updated, err := s.UpdateScene(created.ID, reloaded)
	require.NoError(t, err)

	second, err := json.Marshal(updated)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSeedDefaults(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, SeedDefaults(s))

	effects := s.LightingEffects()
	require.Len(t, effects, 5)
	names := make([]string, len(effects))
	for i, e := range effects {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Flash", "Strobe", "Fade", "Color Cycle", "Breathe"}, names)

	scenes := s.Scenes()
	require.Len(t, scenes, 4)
	assert.Equal(t, "Movie Night", scenes[0].Name)
	assert.True(t, scenes[0].TurnOnIfOff)
	require.NotNil(t, scenes[0].Configuration)
	assert.Equal(t, 20, *scenes[0].Configuration.Brightness)
	assert.Equal(t, 2700, *scenes[0].Configuration.Temperature)

	// Every seeded script passes its own validation.
	for _, e := range effects {
		assert.NoError(t, ValidateScript(&e.Script, "script"), e.Name)
	}
}
