package max31865

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ErrInvalidOpts is wrapped by every error New returns for bad options.
var ErrInvalidOpts = errors.New("invalid options")

// MinSettleDelay is the shortest settling delay accepted. Shorter delays risk
// reading a conversion still in progress.
const MinSettleDelay = 100 * time.Microsecond

// Opts holds various configuration options for the sensor
type Opts struct {
	Calibration CalibrationParams
	Wiring      WiringMode
	// 60Hz noise is filtered by default, set to Filter50Hz to filter 50Hz noise instead.
	Filter FilterFrequency
	// Mode is the SPI clock mode. The device supports modes 1 and 3; the zero
	// value selects mode 1.
	Mode       spi.Mode
	ClockSpeed physic.Frequency
	// BiasDelay separates the two configuration writes of a cycle.
	BiasDelay time.Duration
	// SettleDelay is waited after the second configuration write before the
	// result is read. It depends on the hardware; values read have been seen
	// to lag one conversion behind when it is too short. Zero selects a
	// default based on Filter.
	SettleDelay time.Duration
	// KeepBias leaves the bias voltage on after a cycle. This slightly
	// increases power consumption and self-heating.
	KeepBias bool
	// DisableExtendedRange reports the quadratic solution even below 0°C
	// instead of switching to the sub-zero polynomial.
	DisableExtendedRange bool
	// Thresholds, when set, are programmed into the fault threshold
	// registers by New.
	Thresholds *Threshold
	Logger     *zerolog.Logger
}

func DefaultOptions() *Opts {
	return AdafruitPT100()
}

func AdafruitPT100() *Opts {
	return &Opts{
		Calibration: CalibrationParams{
			NominalResistance: RTDPT100.Nominal(),
			ReferenceResistor: 430.0,
			CorrectionFactor:  1.0,
		},
		Wiring: Wiring3,
	}
}

func AdafruitPT1000() *Opts {
	return &Opts{
		Calibration: CalibrationParams{
			NominalResistance: RTDPT1000.Nominal(),
			ReferenceResistor: 4300.0,
			CorrectionFactor:  1.0,
		},
		Wiring: Wiring3,
	}
}

func (o *Opts) validate() error {
	c := o.Calibration
	switch {
	case c.NominalResistance <= 0:
		return fmt.Errorf("%w: nominal resistance %g", ErrInvalidOpts, c.NominalResistance)
	case c.ReferenceResistor <= 0:
		return fmt.Errorf("%w: reference resistor %g", ErrInvalidOpts, c.ReferenceResistor)
	case c.CorrectionFactor < 0:
		return fmt.Errorf("%w: correction factor %g", ErrInvalidOpts, c.CorrectionFactor)
	case o.SettleDelay != 0 && o.SettleDelay < MinSettleDelay:
		return fmt.Errorf("%w: settle delay %s below %s", ErrInvalidOpts, o.SettleDelay, MinSettleDelay)
	case o.BiasDelay < 0:
		return fmt.Errorf("%w: bias delay %s", ErrInvalidOpts, o.BiasDelay)
	case o.Mode != 0 && o.Mode != spi.Mode1 && o.Mode != spi.Mode3:
		return fmt.Errorf("%w: spi mode %v", ErrInvalidOpts, o.Mode)
	}
	return nil
}

// New opens a session on p. The port is owned by the returned Dev.
func New(p spi.Port, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("max31865: %w", err)
	}
	o := *opts

	if o.Mode == 0 {
		o.Mode = spi.Mode1
	}
	if o.ClockSpeed == 0 {
		o.ClockSpeed = 5 * physic.MegaHertz
	}
	if o.BiasDelay == 0 {
		o.BiasDelay = 10 * time.Millisecond
	}
	if o.SettleDelay == 0 {
		// Single conversion time plus margin.
		o.SettleDelay = 55 * time.Millisecond
		if o.Filter == Filter50Hz {
			o.SettleDelay = 66 * time.Millisecond
		}
	}
	logger := zerolog.Nop()
	if o.Logger != nil {
		logger = *o.Logger
	}

	c, err := p.Connect(o.ClockSpeed, o.Mode, 8)
	if err != nil {
		return nil, fmt.Errorf("max31865: %w", err)
	}

	d := &Dev{
		r:    regio{c: c},
		opts: o,
		name: p.String(),
		conv: Converter{Params: o.Calibration, Extended: !o.DisableExtendedRange},
		log:  logger.With().Str("dev", p.String()).Logger(),
		wait: sleep,
	}

	if o.Thresholds != nil {
		if err := d.r.writeThreshold(*o.Thresholds); err != nil {
			return nil, d.wrap(err)
		}
	}
	return d, nil
}

// Dev is a session with one MAX31865 on its own chip select.
type Dev struct {
	r    regio
	opts Opts
	name string
	conv Converter
	log  zerolog.Logger
	wait func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	cmu  sync.Mutex // serializes SenseContinuous and Halt
	stop chan struct{}
	wg   sync.WaitGroup
}

// Reading is the outcome of one acquisition cycle: either a temperature or a
// set of faults.
type Reading struct {
	Raw        RawCode
	Resistance float64
	Celsius    float64
	// FaultStatus and Faults are only filled when Raw.Fault is set.
	FaultStatus uint8
	Faults      []FaultKind
}

func (r Reading) Faulted() bool {
	return len(r.Faults) != 0
}

// Err returns a *FaultError for a faulted reading, nil otherwise.
func (r Reading) Err() error {
	if !r.Faulted() {
		return nil
	}
	return &FaultError{Status: r.FaultStatus, Faults: r.Faults}
}

func (r Reading) Temperature() physic.Temperature {
	return physic.Temperature(r.Celsius*1000)*physic.MilliCelsius + physic.ZeroCelsius
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.r.c)
}

// Calibration returns the parameters used for conversions.
func (d *Dev) Calibration() CalibrationParams {
	return d.opts.Calibration
}

// Acquire runs one full conversion cycle.
//
// ctx can only abandon the wait for the result; the conversion already
// triggered on the device is not recalled. Bus errors abort the cycle and
// are returned as *BusError. Device faults are not errors: they are
// reported in the returned Reading.
func (d *Dev) Acquire(ctx context.Context) (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return Reading{}, d.wrap(errors.New("already sensing continuously"))
	}
	r, err := d.acquire(ctx)
	if err != nil {
		return r, d.wrap(err)
	}
	return r, nil
}

func (d *Dev) Sense(e *physic.Env) error {
	r, err := d.Acquire(context.Background())
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return d.wrap(err)
	}
	e.Temperature = r.Temperature()
	return nil
}

// SenseContinuous returns measurements as °C on a continuous basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel. Faulted cycles are logged and skipped; the
// channel is also closed when a bus transaction fails.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	d.halt()
	d.mu.Lock()
	defer d.mu.Unlock()

	sensing := make(chan physic.Env)
	stop := make(chan struct{})
	d.stop = stop
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}()
	return sensing, nil
}

// 15-Bit ADC Resolution; Nominal temperature resolution varies due to RTD non-linearity
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 32
}

// Halt stops the MAX31865 from acquiring measurements as initiated by
// SenseContinuous().
func (d *Dev) Halt() error {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	d.halt()
	return nil
}

// halt must not hold d.mu while waiting: the sensing goroutine takes it for
// every cycle.
func (d *Dev) halt() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	d.wg.Wait()
}

// SetThreshold programs the raw fault threshold registers.
func (d *Dev) SetThreshold(lower, upper uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.r.writeThreshold(Threshold{Low: lower, High: upper}); err != nil {
		return d.wrap(err)
	}
	return nil
}

// Thresholds reads back the fault threshold registers.
func (d *Dev) Thresholds() (Threshold, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.r.readThreshold()
	if err != nil {
		return t, d.wrap(err)
	}
	return t, nil
}

// Config reads the configuration register. The one-shot and fault clear
// bits are dropped as they do not hold state.
func (d *Dev) Config() (ConfigRegister, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.r.readConfig()
	if err != nil {
		return 0, d.wrap(err)
	}
	return c.Settled(), nil
}

type state int

const (
	stateIdle state = iota
	stateConfigRead
	stateBiasConfigured
	stateConversionTriggered
	stateSettling
	stateResultRead
	stateDone
	stateFaulted
)

var stateNames = [...]string{"idle", "config-read", "bias-configured", "conversion-triggered", "settling", "result-read", "done", "faulted"}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (d *Dev) enter(s state) {
	d.log.Debug().Stringer("state", s).Msg("conversion")
}

// acquire is one pass of the conversion state machine. It must be called
// with d.mu held.
func (d *Dev) acquire(ctx context.Context) (Reading, error) {
	d.enter(stateIdle)
	cur, err := d.r.readConfig()
	if err != nil {
		return Reading{}, err
	}
	d.enter(stateConfigRead)

	cfg := cur.
		Bias(true).
		Mode(ModeOneShot).
		Wiring(d.opts.Wiring).
		Filter(d.opts.Filter).
		ClearFaults()

	// The configuration is written twice: a single write has been seen to
	// return the previous cycle's result.
	if err := d.r.writeConfig(cfg); err != nil {
		return Reading{}, err
	}
	d.enter(stateBiasConfigured)
	if err := d.wait(context.Background(), d.opts.BiasDelay); err != nil {
		return Reading{}, err
	}
	if err := d.r.writeConfig(cfg); err != nil {
		return Reading{}, err
	}
	d.enter(stateConversionTriggered)

	d.enter(stateSettling)
	if err := d.wait(ctx, d.opts.SettleDelay); err != nil {
		if !d.opts.KeepBias {
			// The conversion finishes on its own; only the bias is released.
			err = errors.Join(err, d.r.writeConfig(cfg.Settled().Bias(false)))
		}
		return Reading{}, err
	}

	raw, err := d.r.readRTD()
	if err != nil {
		return Reading{}, err
	}
	d.enter(stateResultRead)
	r := Reading{Raw: raw}

	if raw.Fault {
		status, err := d.r.readFaultStatus()
		if err != nil {
			return Reading{}, err
		}
		r.FaultStatus = status
		r.Faults = DecodeFaults(status)
		d.enter(stateFaulted)
		d.log.Warn().Hex("status", []byte{status}).Msg(r.Err().Error())
	} else {
		r.Resistance, r.Celsius = d.conv.Temperature(raw.Code)
		d.enter(stateDone)
		d.log.Debug().Uint16("code", raw.Code).Float64("ohms", r.Resistance).Float64("celsius", r.Celsius).Msg("reading")
	}

	if !d.opts.KeepBias {
		// Disable bias current again to reduce self-heating.
		if err := d.r.writeConfig(cfg.Settled().Bias(false)); err != nil {
			return Reading{}, err
		}
	}
	return r, nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	// Ensure the interval is at least one full cycle.
	if cycle := d.opts.BiasDelay + d.opts.SettleDelay; interval < cycle {
		interval = cycle
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		d.mu.Lock()
		r, err := d.acquire(context.Background())
		if err != nil {
			if d.stop == stop {
				d.stop = nil
			}
			d.mu.Unlock()
			d.log.Error().Err(err).Msg("continuous sensing stopped")
			return
		}
		d.mu.Unlock()
		if r.Faulted() {
			d.log.Warn().Err(r.Err()).Msg("skipping faulted reading")
		} else {
			select {
			case sensing <- physic.Env{Temperature: r.Temperature()}:
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
