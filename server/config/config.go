// Package config loads the rkdetect YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel/rknn"
	"gopkg.in/yaml.v3"
)

type Model struct {
	Path       string `yaml:"path"`       // .rknn model file
	Classes    string `yaml:"classes"`    // Optional class name file, one per line. Default is COCO.
	PixelOrder string `yaml:"pixelOrder"` // "rgb" or "bgr". The channel order that the model was trained on.
	CoreMask   string `yaml:"coreMask"`   // NPU cores: auto, 0, 1, 2, 0_1, 0_1_2
}

type Detection struct {
	ConfThreshold float32 `yaml:"confThreshold"`
	NMSThreshold  float32 `yaml:"nmsThreshold"`
	MaxObjects    int     `yaml:"maxObjects"`
	ShowLabels    bool    `yaml:"showLabels"`
}

type Capture struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"` // Zero lets the camera choose
	Height int    `yaml:"height"`
}

type Display struct {
	Enabled    bool   `yaml:"enabled"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Format     string `yaml:"format"` // BGR or RGB
	Sink       string `yaml:"sink"`
	Fullscreen bool   `yaml:"fullscreen"`
}

type HTTP struct {
	Listen string `yaml:"listen"` // eg ":8080". Empty disables the HTTP API.
}

type Config struct {
	Model         Model         `yaml:"model"`
	Detection     Detection     `yaml:"detection"`
	Capture       Capture       `yaml:"capture"`
	Display       Display       `yaml:"display"`
	HTTP          HTTP          `yaml:"http"`
	StatsInterval time.Duration `yaml:"statsInterval"` // How often to log a performance summary
	ResizeQuality string        `yaml:"resizeQuality"` // low or high
}

func DefaultConfig() Config {
	return Config{
		Model: Model{
			PixelOrder: "rgb",
			CoreMask:   "auto",
		},
		Detection: Detection{
			ConfThreshold: nn.DefaultConfThreshold,
			NMSThreshold:  nn.DefaultNMSThreshold,
			MaxObjects:    64,
			ShowLabels:    true,
		},
		Capture: Capture{
			Device: "/dev/video21",
		},
		Display: Display{
			Enabled:    true,
			Width:      1280,
			Height:     720,
			Format:     "BGR",
			Sink:       "waylandsink",
			Fullscreen: true,
		},
		StatsInterval: 5 * time.Second,
		ResizeQuality: "low",
	}
}

// Load a config file. Fields that are absent from the file keep their defaults.
func LoadFile(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading config %v: %w", filename, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("Error in config %v: %w", filename, err)
	}
	return cfg, nil
}

func Parse(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if _, err := accel.ParseChannelOrder(c.Model.PixelOrder); err != nil {
		errs = append(errs, fmt.Errorf("model.pixelOrder: %w", err))
	}
	if _, err := rknn.ParseCoreMask(c.Model.CoreMask); err != nil {
		errs = append(errs, fmt.Errorf("model.coreMask: %w", err))
	}
	if c.Detection.ConfThreshold <= 0 || c.Detection.ConfThreshold >= 1 {
		errs = append(errs, fmt.Errorf("detection.confThreshold must be between 0 and 1 (not %v)", c.Detection.ConfThreshold))
	}
	if c.Detection.NMSThreshold <= 0 || c.Detection.NMSThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.nmsThreshold must be between 0 and 1 (not %v)", c.Detection.NMSThreshold))
	}
	if c.Detection.MaxObjects <= 0 {
		errs = append(errs, fmt.Errorf("detection.maxObjects must be positive (not %v)", c.Detection.MaxObjects))
	}
	if c.Capture.Device == "" {
		errs = append(errs, errors.New("capture.device is required"))
	}
	if (c.Capture.Width == 0) != (c.Capture.Height == 0) || c.Capture.Width < 0 || c.Capture.Height < 0 {
		errs = append(errs, fmt.Errorf("capture size %v x %v is invalid", c.Capture.Width, c.Capture.Height))
	}
	if c.Display.Enabled {
		if c.Display.Width <= 0 || c.Display.Height <= 0 {
			errs = append(errs, fmt.Errorf("display size %v x %v is invalid", c.Display.Width, c.Display.Height))
		}
		if _, err := accel.ParseChannelOrder(c.Display.Format); err != nil {
			errs = append(errs, fmt.Errorf("display.format: %w", err))
		}
	}
	if c.StatsInterval < 0 {
		errs = append(errs, errors.New("statsInterval may not be negative"))
	}
	if c.ResizeQuality != "low" && c.ResizeQuality != "high" {
		errs = append(errs, fmt.Errorf("resizeQuality must be 'low' or 'high' (not '%v')", c.ResizeQuality))
	}
	return errors.Join(errs...)
}
