// Package config loads server configuration from defaults, an optional
// YAML file and SPR16_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSocketDir   = "/tmp/spr16"
	defaultSocketName  = "spr16-0"
	defaultFramebuffer = FramebufferHeadless
	defaultFbdev       = "/dev/fb0"
	defaultWidth       = 1024
	defaultHeight      = 768
	defaultRefresh     = 60
	defaultHandshakeMs = 5000
	defaultInputDir    = "/dev/input"
	defaultPointerMin  = 1
	defaultPointerMax  = 64
	defaultTapDelayMs  = 200
)

// Framebuffer backends.
const (
	FramebufferHeadless = "headless"
	FramebufferFbdev    = "fbdev"
)

// Config holds runtime configuration values.
type Config struct {
	SocketDir   string `yaml:"socket_dir"`
	SocketName  string `yaml:"socket"`
	Framebuffer string `yaml:"framebuffer"`
	FbdevPath   string `yaml:"fbdev"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Refresh     int    `yaml:"refresh"`
	HandshakeMs int    `yaml:"handshake_ms"`
	Input       Input  `yaml:"input"`
}

// Input configures device discovery and event translation.
type Input struct {
	Disabled bool   `yaml:"disabled"`
	Dir      string `yaml:"dir"`
	// Device overrides name a node path, node name or device name and
	// bypass scoring for their role.
	Keyboard string `yaml:"keyboard"`
	Mouse    string `yaml:"mouse"`
	Touch    string `yaml:"touch"`

	PointerAccel float64 `yaml:"pointer_accel"`
	PointerMin   float64 `yaml:"pointer_min"`
	PointerMax   float64 `yaml:"pointer_max"`
	ScrollStep   int     `yaml:"scroll_step"`
	Trackpad     bool    `yaml:"trackpad"`
	TapDelayMs   int     `yaml:"tap_delay_ms"`
	Grab         bool    `yaml:"grab"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SocketDir:   defaultSocketDir,
		SocketName:  defaultSocketName,
		Framebuffer: defaultFramebuffer,
		FbdevPath:   defaultFbdev,
		Width:       defaultWidth,
		Height:      defaultHeight,
		Refresh:     defaultRefresh,
		HandshakeMs: defaultHandshakeMs,
		Input: Input{
			Dir:        defaultInputDir,
			PointerMin: defaultPointerMin,
			PointerMax: defaultPointerMax,
			TapDelayMs: defaultTapDelayMs,
			Grab:       true,
		},
	}
}

// Load builds a Config from the defaults, the YAML file at path when path
// is not empty, and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.SocketName = envString("SPR16_SOCKET", cfg.SocketName)
	cfg.SocketDir = envString("SPR16_SOCKET_DIR", cfg.SocketDir)
	cfg.Framebuffer = strings.ToLower(envString("SPR16_FB", cfg.Framebuffer))
	cfg.FbdevPath = envString("SPR16_FBDEV", cfg.FbdevPath)

	if cfg.Width, err = envInt("SPR16_WIDTH", cfg.Width); err != nil {
		return err
	}
	if cfg.Height, err = envInt("SPR16_HEIGHT", cfg.Height); err != nil {
		return err
	}
	if cfg.Refresh, err = envInt("SPR16_REFRESH", cfg.Refresh); err != nil {
		return err
	}
	if cfg.HandshakeMs, err = envInt("SPR16_HANDSHAKE_MS", cfg.HandshakeMs); err != nil {
		return err
	}

	in := &cfg.Input
	in.Disabled = envBool("SPR16_NO_INPUT", in.Disabled)
	in.Dir = envString("SPR16_INPUT_DIR", in.Dir)
	in.Keyboard = envString("SPR16_KEYBOARD", in.Keyboard)
	in.Mouse = envString("SPR16_MOUSE", in.Mouse)
	in.Touch = envString("SPR16_TOUCH", in.Touch)
	in.Trackpad = envBool("SPR16_TRACKPAD", in.Trackpad)
	in.Grab = envBool("SPR16_GRAB", in.Grab)

	if in.PointerAccel, err = envFloat("SPR16_POINTER_ACCEL", in.PointerAccel); err != nil {
		return err
	}
	if in.PointerMin, err = envFloat("SPR16_POINTER_MIN", in.PointerMin); err != nil {
		return err
	}
	if in.PointerMax, err = envFloat("SPR16_POINTER_MAX", in.PointerMax); err != nil {
		return err
	}
	if in.ScrollStep, err = envInt("SPR16_SCROLL_STEP", in.ScrollStep); err != nil {
		return err
	}
	if in.TapDelayMs, err = envInt("SPR16_TAP_DELAY_MS", in.TapDelayMs); err != nil {
		return err
	}
	return nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0:
		return fmt.Errorf("SPR16_WIDTH must be > 0")
	case c.Height <= 0:
		return fmt.Errorf("SPR16_HEIGHT must be > 0")
	case c.Width > 0xffff || c.Height > 0xffff:
		return fmt.Errorf("display size %dx%d exceeds 65535", c.Width, c.Height)
	case c.Refresh <= 0 || c.Refresh > 1000:
		return fmt.Errorf("SPR16_REFRESH must be 1-1000")
	case c.HandshakeMs <= 0:
		return fmt.Errorf("SPR16_HANDSHAKE_MS must be > 0")
	case c.Framebuffer != FramebufferHeadless && c.Framebuffer != FramebufferFbdev:
		return fmt.Errorf("SPR16_FB must be %q or %q", FramebufferHeadless, FramebufferFbdev)
	case strings.ContainsRune(c.SocketName, '/'):
		return fmt.Errorf("SPR16_SOCKET must be a name, not a path")
	case c.Input.PointerAccel < 0:
		return fmt.Errorf("SPR16_POINTER_ACCEL must be >= 0")
	case c.Input.PointerAccel > 0 && c.Input.PointerMax <= 0:
		return fmt.Errorf("SPR16_POINTER_MAX must be > 0 when SPR16_POINTER_ACCEL is set")
	case c.Input.PointerMax < c.Input.PointerMin:
		return fmt.Errorf("SPR16_POINTER_MAX must be >= SPR16_POINTER_MIN")
	case c.Input.ScrollStep < 0:
		return fmt.Errorf("SPR16_SCROLL_STEP must be >= 0")
	case c.Input.TapDelayMs <= 0:
		return fmt.Errorf("SPR16_TAP_DELAY_MS must be > 0")
	}
	return nil
}

// HandshakeTimeout is the budget a client has to become established.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeMs) * time.Millisecond
}

// TapDelay is the trackpad tap window.
func (i Input) TapDelay() time.Duration {
	return time.Duration(i.TapDelayMs) * time.Millisecond
}

// envString returns an env override when present, otherwise a default.
func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt returns an int env override when present, otherwise a default.
func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return value, nil
}

// envBool returns a bool env override when present, otherwise a default.
func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
