package source

import "testing"

// TestNewWebcamSourceValidation validates constructor fail-fast on bad
// capture parameters, before any pipeline element is touched.
func TestNewWebcamSourceValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  WebcamConfig
	}{
		{"missing device", WebcamConfig{Width: 640, Height: 480, FPS: 30}},
		{"zero width", WebcamConfig{Device: "/dev/video0", Height: 480, FPS: 30}},
		{"zero height", WebcamConfig{Device: "/dev/video0", Width: 640, FPS: 30}},
		{"zero fps", WebcamConfig{Device: "/dev/video0", Width: 640, Height: 480}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewWebcamSource(tc.cfg); err == nil {
				t.Errorf("NewWebcamSource(%+v) succeeded, want error", tc.cfg)
			}
		})
	}

	src, err := NewWebcamSource(WebcamConfig{Device: "/dev/video0", Width: 640, Height: 480, FPS: 30})
	if err != nil {
		t.Fatalf("NewWebcamSource: %v", err)
	}
	if src.FrameRate() != 30 {
		t.Errorf("FrameRate() = %v, want 30", src.FrameRate())
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop() before Start: %v", err)
	}
}
