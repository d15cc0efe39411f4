// Package config loads the installer configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guseggert/winusbinstall/protocol"
	"gopkg.in/yaml.v3"
)

var ErrValidation = errors.New("validation error")

type Config struct {
	Client    Client    `yaml:"client"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Transport Transport `yaml:"transport"`
	Driver    Driver    `yaml:"driver"`
	Devices   []Device  `yaml:"devices" validate:"dive"`
}

type Client struct {
	// Executable is the program launched elevated. Empty means the running executable.
	Executable string `yaml:"executable"`
	ShowWindow bool   `yaml:"show_window"`
}

type Timeouts struct {
	Handshake     time.Duration `yaml:"handshake" validate:"gt=0"`
	Request       time.Duration `yaml:"request" validate:"gt=0"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
	Connect       time.Duration `yaml:"connect" validate:"gt=0"`
}

type Transport struct {
	MaxFrameSize int `yaml:"max_frame_size" validate:"gte=1024,lte=67108864"`
}

type Driver struct {
	Kind    protocol.DriverKind `yaml:"kind" validate:"oneof=winusb libusb0 libusbk cdc user"`
	Vendor  string              `yaml:"vendor"`
	DestDir string              `yaml:"dest_dir"`
	InfName string              `yaml:"inf_name" validate:"required,endswith=.inf"`
	// WDISimple is the path to the wdi-simple tool.
	WDISimple string `yaml:"wdi_simple" validate:"required"`
}

type Device struct {
	VendorID  uint16 `yaml:"vendor_id" validate:"required"`
	ProductID uint16 `yaml:"product_id" validate:"required"`
	Interface string `yaml:"interface" validate:"omitempty,startswith=MI_,len=5"`
}

func Default() Config {
	return Config{
		Timeouts: Timeouts{
			Handshake:     30 * time.Second,
			Request:       6 * time.Minute,
			ShutdownGrace: 5 * time.Second,
			Connect:       10 * time.Second,
		},
		Transport: Transport{MaxFrameSize: 1 << 20},
		Driver: Driver{
			Kind:      protocol.DriverWinUSB,
			Vendor:    "winusbinstall",
			InfName:   "winusbinstall.inf",
			WDISimple: "wdi-simple",
		},
	}
}

// Load reads the file at path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var valErrors validator.ValidationErrors
	if !errors.As(err, &valErrors) {
		return err
	}
	msgs := make([]string, 0, len(valErrors))
	for _, valErr := range valErrors {
		msgs = append(msgs, fmt.Sprintf("field validation for '%s' failed on the '%s' tag", valErr.Namespace(), valErr.Tag()))
	}
	return fmt.Errorf("%w:\n%s", ErrValidation, strings.Join(msgs, "\n"))
}

// Save writes the config as YAML. The elevated client reads the same file back.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Target builds the install target for d from the driver settings.
func (c Config) Target(d Device) protocol.Target {
	return protocol.Target{
		VendorID:    d.VendorID,
		ProductID:   d.ProductID,
		Interface:   d.Interface,
		DriverKind:  c.Driver.Kind,
		PackageName: c.Driver.InfName,
		Vendor:      c.Driver.Vendor,
		DestDir:     c.Driver.DestDir,
	}
}

func (c Config) Targets() []protocol.Target {
	targets := make([]protocol.Target, 0, len(c.Devices))
	for _, d := range c.Devices {
		targets = append(targets, c.Target(d))
	}
	return targets
}
