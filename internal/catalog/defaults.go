package catalog

func intp(i int) *int { return &i }

// SeedDefaults loads the built-in lighting effects and scenes into an empty
// store. Called once at startup; the in-memory store starts empty on every
// run.
func SeedDefaults(s Store) error {
	for _, e := range DefaultLightingEffects() {
		if _, err := s.CreateLightingEffect(e); err != nil {
			return err
		}
	}
	for _, sc := range DefaultScenes() {
		if _, err := s.CreateScene(sc); err != nil {
			return err
		}
	}
	return nil
}

// DefaultLightingEffects returns the five built-in presets.
func DefaultLightingEffects() []LightingEffect {
	return []LightingEffect{
		{
			Name:     "Flash",
			Type:     "preset",
			Duration: 300,
			Icon:     "zap",
			Script: Script{
				Steps: []Step{
					{Brightness: 100, Temperature: 6500, Duration: 100},
					{Brightness: 50, Temperature: 3500, Duration: 100, Easing: &Easing{Type: EasingLinear, Duration: 500}},
					{Brightness: 100, Temperature: 6500, Duration: 100},
				},
			},
		},
		{
			Name:     "Strobe",
			Type:     "preset",
			Duration: 2000,
			Icon:     "activity",
			Script: Script{
				Loop:      true,
				LoopCount: intp(10),
				Steps: []Step{
					{Brightness: 100, Temperature: 6500, Duration: 100},
					{Brightness: 0, Temperature: 6500, Duration: 100},
				},
			},
		},
		{
			Name:     "Fade",
			Type:     "preset",
			Duration: 2000,
			Icon:     "sunset",
			Script: Script{
				Steps: []Step{
					{Brightness: 100, Temperature: 2700, Duration: 1000, Easing: &Easing{Type: EasingLinear, Duration: 1000}},
					{Brightness: 10, Temperature: 2700, Duration: 1000, Easing: &Easing{Type: EasingLinear, Duration: 1000}},
				},
			},
		},
		{
			Name:     "Color Cycle",
			Type:     "preset",
			Duration: 1800,
			Icon:     "refresh-cw",
			Script: Script{
				Loop:      true,
				LoopCount: intp(0), // runs until stopped
				Steps: []Step{
					{Brightness: 100, Color: "#ff0000", Duration: 600, Easing: &Easing{Type: EasingLinear, Duration: 500}},
					{Brightness: 100, Color: "#00ff00", Duration: 600, Easing: &Easing{Type: EasingLinear, Duration: 500}},
					{Brightness: 100, Color: "#0000ff", Duration: 600, Easing: &Easing{Type: EasingLinear, Duration: 500}},
				},
			},
		},
		{
			Name:     "Breathe",
			Type:     "preset",
			Duration: 3000,
			Icon:     "wind",
			Script: Script{
				Loop:      true,
				LoopCount: intp(5),
				Steps: []Step{
					{Brightness: 80, Temperature: 3500, Duration: 1500, Easing: &Easing{Type: EasingInOut, Duration: 1500}},
					{Brightness: 20, Temperature: 3500, Duration: 1500, Easing: &Easing{Type: EasingInOut, Duration: 1500}},
				},
			},
		},
	}
}

// DefaultScenes returns the four built-in scenes.
func DefaultScenes() []Scene {
	return []Scene{
		{
			Name:        "Movie Night",
			Description: "Dim warm light for the screen",
			Icon:        "film",
			TurnOnIfOff: true,
			Colors:      []string{"#ffb46b"},
			Configuration: &SceneConfiguration{
				Brightness:  intp(20),
				Temperature: intp(2700),
				Duration:    intp(1000),
			},
		},
		{
			Name:        "Focus Mode",
			Description: "Bright neutral white",
			Icon:        "target",
			TurnOnIfOff: true,
			Colors:      []string{"#fff9fd"},
			Configuration: &SceneConfiguration{
				Brightness:  intp(100),
				Temperature: intp(4500),
				Duration:    intp(500),
			},
		},
		{
			Name:        "Party Time",
			Description: "Rolling colors across the room",
			Icon:        "music",
			TurnOnIfOff: true,
			Colors:      []string{"#ff0066", "#9900ff", "#00ccff"},
			Script: &Script{
				Loop:      true,
				LoopCount: intp(0),
				Steps: []Step{
					{Brightness: 90, Color: "#ff0066", Duration: 800, Easing: &Easing{Type: EasingInOut, Duration: 600}},
					{Brightness: 90, Color: "#9900ff", Duration: 800, Easing: &Easing{Type: EasingInOut, Duration: 600}},
					{Brightness: 90, Color: "#00ccff", Duration: 800, Easing: &Easing{Type: EasingInOut, Duration: 600}},
				},
			},
		},
		{
			Name:        "Relax",
			Description: "Soft evening warmth",
			Icon:        "moon",
			TurnOnIfOff: false,
			Colors:      []string{"#ffc8a0"},
			Configuration: &SceneConfiguration{
				Brightness:  intp(40),
				Temperature: intp(3000),
				Duration:    intp(2000),
			},
		},
	}
}
