package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix prefixes environment overrides, e.g. READBACK_FPS.
const envPrefix = "READBACK"

// Config holds the settings of the run command.
type Config struct {
	FPS         float64
	Width       uint32
	Height      uint32
	Format      gputypes.TextureFormat
	Textures    int
	Stride      uint32
	Elements    uint32
	Slots       int
	StagingMB   int
	Latency     int
	Output      string
	MetricsAddr string
	Timeout     time.Duration
	LogLevel    string
}

// setupRunFlags registers the run command flags with their defaults.
func setupRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("fps", 60, "Render loop frame rate")
	f.Uint32("width", 256, "Texture width in texels")
	f.Uint32("height", 256, "Texture height in texels")
	f.String("format", "rgba8unorm", "Texture format (see the formats command)")
	f.Int("textures", 4, "Number of textures to read back")
	f.Uint32("stride", 16, "Structured buffer element size in bytes")
	f.Uint32("elements", 1024, "Structured buffer element count")
	f.Int("slots", 16, "Request slot capacity")
	f.Int("staging-mb", 256, "Staging memory budget in megabytes")
	f.Int("latency", 2, "Frames before a software copy completes")
	f.String("output", "readback.bmp", "Where to write the first texture (.bmp or .tiff, empty to skip)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.Duration("timeout", 10*time.Second, "Give up after this long")
}

// newViper binds flags, READBACK_* environment variables and an optional
// readback.yaml. Flags set on the command line win over the environment,
// which wins over the file.
func newViper(cmd *cobra.Command, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("readback")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}
	return v, nil
}

// loadConfig reads and validates the run settings.
func loadConfig(v *viper.Viper) (Config, error) {
	format, err := formatByName(v.GetString("format"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		FPS:         v.GetFloat64("fps"),
		Width:       v.GetUint32("width"),
		Height:      v.GetUint32("height"),
		Format:      format,
		Textures:    v.GetInt("textures"),
		Stride:      v.GetUint32("stride"),
		Elements:    v.GetUint32("elements"),
		Slots:       v.GetInt("slots"),
		StagingMB:   v.GetInt("staging-mb"),
		Latency:     v.GetInt("latency"),
		Output:      v.GetString("output"),
		MetricsAddr: v.GetString("metrics-addr"),
		Timeout:     v.GetDuration("timeout"),
		LogLevel:    v.GetString("log-level"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.FPS <= 0:
		return fmt.Errorf("fps must be positive, got %v", c.FPS)
	case c.Width == 0 || c.Height == 0:
		return fmt.Errorf("texture size must be non-zero, got %dx%d", c.Width, c.Height)
	case c.Textures < 1:
		return fmt.Errorf("textures must be at least 1, got %d", c.Textures)
	case c.Stride == 0 || c.Stride%4 != 0:
		return fmt.Errorf("stride must be a non-zero multiple of 4, got %d", c.Stride)
	case c.Elements == 0:
		return errors.New("elements must be non-zero")
	case c.Slots < 1:
		return fmt.Errorf("slots must be at least 1, got %d", c.Slots)
	case c.Latency < 0:
		return fmt.Errorf("latency must not be negative, got %d", c.Latency)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.Output != "" {
		switch strings.ToLower(filepath.Ext(c.Output)) {
		case ".bmp", ".tif", ".tiff":
		default:
			return fmt.Errorf("output must end in .bmp or .tiff, got %q", c.Output)
		}
	}
	return nil
}
