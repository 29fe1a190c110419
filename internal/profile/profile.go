// Package profile loads sensor session settings from YAML.
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/raspirtd/max31865"
)

// Profile describes one board: sensing element, reference resistor and how
// the bus and conversion are timed. Zero values select the defaults of the
// RTD preset.
type Profile struct {
	RTD               string        `yaml:"rtd"`
	NominalResistance float64       `yaml:"nominal_resistance"`
	ReferenceResistor float64       `yaml:"reference_resistor"`
	Correction        float64       `yaml:"correction"`
	Wiring            int           `yaml:"wiring"` // 2, 3 or 4
	Filter            int           `yaml:"filter"` // 50 or 60
	SPIMode           int           `yaml:"spi_mode"`
	ClockHz           int64         `yaml:"clock_hz"`
	BiasDelay         time.Duration `yaml:"bias_delay"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	KeepBias          bool          `yaml:"keep_bias"`
	ExtendedRange     *bool         `yaml:"extended_range"`
	Thresholds        *Thresholds   `yaml:"thresholds"`
}

type Thresholds struct {
	Low  uint16 `yaml:"low"`
	High uint16 `yaml:"high"`
}

// Load decodes a profile. An empty document yields the PT1000 defaults.
func Load(r io.Reader) (*Profile, error) {
	p := &Profile{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("profile: %w: %w", max31865.ErrInvalidOpts, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	Normalize(p)
	return p, nil
}

func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("profile: %w: %s", max31865.ErrInvalidOpts, fmt.Sprintf(format, args...))
}

// Validate checks the profile. Errors wrap max31865.ErrInvalidOpts. It does
// not mutate the profile.
func Validate(p *Profile) error {
	switch strings.ToLower(p.RTD) {
	case "", "pt100", "pt1000":
	default:
		return invalidf("rtd %q: must be pt100 or pt1000", p.RTD)
	}
	switch {
	case p.NominalResistance < 0:
		return invalidf("nominal_resistance %g must be positive", p.NominalResistance)
	case p.ReferenceResistor < 0:
		return invalidf("reference_resistor %g must be positive", p.ReferenceResistor)
	case p.Correction < 0:
		return invalidf("correction %g must be positive", p.Correction)
	case p.ClockHz < 0:
		return invalidf("clock_hz %d must be positive", p.ClockHz)
	case p.SettleDelay != 0 && p.SettleDelay < max31865.MinSettleDelay:
		return invalidf("settle_delay %s below %s", p.SettleDelay, max31865.MinSettleDelay)
	case p.BiasDelay < 0:
		return invalidf("bias_delay %s must be positive", p.BiasDelay)
	}
	switch p.Wiring {
	case 0, 2, 3, 4:
	default:
		return invalidf("wiring %d: must be 2, 3 or 4", p.Wiring)
	}
	switch p.Filter {
	case 0, 50, 60:
	default:
		return invalidf("filter %d: must be 50 or 60", p.Filter)
	}
	switch p.SPIMode {
	case 0, 1, 3:
	default:
		return invalidf("spi_mode %d: must be 1 or 3", p.SPIMode)
	}
	if t := p.Thresholds; t != nil && t.Low > t.High {
		return invalidf("thresholds low %#04x above high %#04x", t.Low, t.High)
	}
	return nil
}

// Normalize fills unset fields from the RTD preset. It must be called after
// Validate.
func Normalize(p *Profile) {
	preset := max31865.AdafruitPT1000()
	if strings.ToLower(p.RTD) == "pt100" {
		preset = max31865.AdafruitPT100()
	}
	p.RTD = strings.ToLower(p.RTD)
	if p.RTD == "" {
		p.RTD = "pt1000"
	}
	if p.NominalResistance == 0 {
		p.NominalResistance = preset.Calibration.NominalResistance
	}
	if p.ReferenceResistor == 0 {
		p.ReferenceResistor = preset.Calibration.ReferenceResistor
	}
	if p.Correction == 0 {
		p.Correction = 1.0
	}
	if p.Wiring == 0 {
		p.Wiring = 2
	}
	if p.Filter == 0 {
		p.Filter = 60
	}
	if p.SPIMode == 0 {
		p.SPIMode = 1
	}
}

// Opts converts the profile into session options.
func (p *Profile) Opts() *max31865.Opts {
	o := &max31865.Opts{
		Calibration: max31865.CalibrationParams{
			NominalResistance: p.NominalResistance,
			ReferenceResistor: p.ReferenceResistor,
			CorrectionFactor:  p.Correction,
		},
		Mode:        spi.Mode(p.SPIMode),
		ClockSpeed:  physic.Frequency(p.ClockHz) * physic.Hertz,
		BiasDelay:   p.BiasDelay,
		SettleDelay: p.SettleDelay,
		KeepBias:    p.KeepBias,
	}
	if p.Wiring == 3 {
		o.Wiring = max31865.Wiring3
	}
	if p.Filter == 50 {
		o.Filter = max31865.Filter50Hz
	}
	if p.ExtendedRange != nil {
		o.DisableExtendedRange = !*p.ExtendedRange
	}
	if p.Thresholds != nil {
		o.Thresholds = &max31865.Threshold{Low: p.Thresholds.Low, High: p.Thresholds.High}
	}
	return o
}
