// max31865 reads the temperature of an RTD attached to a MAX31865 on
// SPI0, chip select 0 or 1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/l0nax/go-spew/spew"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/raspirtd/max31865"
	"github.com/raspirtd/max31865/internal/profile"
)

// ErrUsage is returned for missing or malformed command line arguments.
var ErrUsage = errors.New("usage")

const (
	exitError = 1
	exitUsage = 2
	exitFault = 3
)

type options struct {
	device     int
	correction float64 // 0 keeps the profile's value
	config     string
	settle     time.Duration
	interval   time.Duration
	verbose    bool
	dump       bool
}

func parseArgs(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.config, "config", "", "YAML calibration profile")
	fs.DurationVar(&o.settle, "settle", 0, "settling delay before reading the result (overrides profile)")
	fs.DurationVar(&o.interval, "interval", 0, "read continuously at this interval")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
	fs.BoolVar(&o.dump, "dump", false, "dump the full reading")
	if err := fs.Parse(args); err != nil {
		return nil, ErrUsage
	}

	switch fs.NArg() {
	case 1, 2:
	default:
		return nil, fmt.Errorf("%w: expected device index and optional correction factor", ErrUsage)
	}
	dev, err := strconv.Atoi(fs.Arg(0))
	if err != nil || dev < 0 || dev > 1 {
		return nil, fmt.Errorf("%w: device index %q must be 0 or 1", ErrUsage, fs.Arg(0))
	}
	o.device = dev
	if fs.NArg() == 2 {
		c, err := strconv.ParseFloat(fs.Arg(1), 64)
		if err != nil || c <= 0 {
			return nil, fmt.Errorf("%w: correction factor %q", ErrUsage, fs.Arg(1))
		}
		o.correction = c
	}
	return o, nil
}

func sessionOpts(o *options, log *zerolog.Logger) (*max31865.Opts, error) {
	p := &profile.Profile{}
	if o.config != "" {
		var err error
		if p, err = profile.LoadFile(o.config); err != nil {
			return nil, err
		}
	} else {
		profile.Normalize(p)
	}
	if o.correction != 0 {
		p.Correction = o.correction
	}
	if o.settle != 0 {
		p.SettleDelay = o.settle
	}
	opts := p.Opts()
	opts.Logger = log
	return opts, nil
}

func printReading(w io.Writer, r max31865.Reading) {
	fmt.Fprintf(w, "Read: 0x%02x 0x%02x\n", r.Raw.MSB, r.Raw.LSB)
	if err := r.Err(); err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintf(w, "%3.2f\n", r.Celsius)
}

func mainImpl(o *options, log zerolog.Logger) (int, error) {
	opts, err := sessionOpts(o, &log)
	if err != nil {
		return exitCode(err), err
	}

	if _, err := host.Init(); err != nil {
		return exitError, err
	}
	port, err := spireg.Open(fmt.Sprintf("SPI0.%d", o.device))
	if err != nil {
		return exitError, err
	}
	defer port.Close()

	dev, err := max31865.New(port, opts)
	if err != nil {
		return exitCode(err), err
	}
	log.Debug().Stringer("dev", dev).Msg("session open")

	if o.interval > 0 {
		return 0, continuous(dev, o.interval)
	}

	r, err := dev.Acquire(context.Background())
	if err != nil {
		return exitError, err
	}
	if o.dump {
		spew.Fdump(os.Stderr, r)
	}
	printReading(os.Stdout, r)
	if r.Faulted() {
		return exitFault, nil
	}
	return 0, nil
}

// exitCode maps invalid settings to the usage status and everything else,
// such as an unreadable profile or a bus failure, to exitError.
func exitCode(err error) int {
	if errors.Is(err, max31865.ErrInvalidOpts) || errors.Is(err, ErrUsage) {
		return exitUsage
	}
	return exitError
}

func continuous(dev *max31865.Dev, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := dev.SenseContinuous(interval)
	if err != nil {
		return err
	}
	defer dev.Halt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c:
			if !ok {
				return errors.New("sensing stopped")
			}
			fmt.Printf("%3.2f\n", e.Temperature.Celsius())
		}
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <device 0|1> [correction]\n", fs.Name())
		fs.PrintDefaults()
	}
	o, err := parseArgs(fs, os.Args[1:])
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		fs.Usage()
		os.Exit(exitUsage)
	}

	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	code, err := mainImpl(o, log)
	if err != nil {
		log.Error().Err(err).Msg("max31865")
	}
	os.Exit(code)
}
