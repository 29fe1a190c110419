package max31865

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

// cycle returns the bus frames of one conversion. status is only read when
// the fault bit of lsb is set.
func cycle(cur, cfg byte, msb, lsb byte, status byte, release byte) []conntest.IO {
	ops := []conntest.IO{
		{W: []byte{0x00, 0x00, 0x00}, R: []byte{0x00, cur, 0x00}},
		{W: []byte{0x80, cfg, 0x00}, R: make([]byte, 3)},
		{W: []byte{0x80, cfg, 0x00}, R: make([]byte, 3)},
		{W: []byte{0x01, 0x00, 0x00}, R: []byte{0x00, msb, lsb}},
	}
	if lsb&1 != 0 {
		ops = append(ops, conntest.IO{W: []byte{0x07, 0x00, 0x00}, R: []byte{0x00, status, 0x00}})
	}
	return append(ops, conntest.IO{W: []byte{0x80, release, 0x00}, R: make([]byte, 3)})
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) wait(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newDev(t *testing.T, opts *Opts, ops ...conntest.IO) (*Dev, *spitest.Playback, *sleeps) {
	t.Helper()
	p := &spitest.Playback{Playback: conntest.Playback{Ops: ops, DontPanic: true}}
	d, err := New(p, opts)
	if err != nil {
		t.Fatal(err)
	}
	s := &sleeps{}
	d.wait = s.wait
	return d, p, s
}

func TestAcquire(t *testing.T) {
	t.Run("Temperature", func(t *testing.T) {
		d, p, s := newDev(t, AdafruitPT100(), cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)...)
		r, err := d.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Faulted() || r.Err() != nil {
			t.Fatalf("unexpected fault %v", r.Faults)
		}
		if r.Raw.Code != 8192 || r.Raw.MSB != 0x40 || r.Raw.LSB != 0x00 {
			t.Errorf("unexpected raw code %+v", r.Raw)
		}
		if r.Resistance != 107.5 || !near(r.Celsius, 19.2447, 0.0001) {
			t.Errorf("unexpected reading %f ohm %f°C", r.Resistance, r.Celsius)
		}
		if len(s.d) != 2 || s.d[0] != 10*time.Millisecond || s.d[1] != 55*time.Millisecond {
			t.Errorf("unexpected delays %v", s.d)
		}
		// No fault status read: the playback would fail on an extra frame.
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("Fault", func(t *testing.T) {
		d, p, _ := newDev(t, AdafruitPT100(), cycle(0x00, 0xB2, 0xFF, 0xFF, 0x84, 0x10)...)
		r, err := d.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !r.Faulted() || r.FaultStatus != 0x84 || !sameKinds(r.Faults, []FaultKind{OverUnderVoltage, HighThreshold}) {
			t.Errorf("unexpected faults %#02x %v", r.FaultStatus, r.Faults)
		}
		if r.Celsius != 0 || r.Resistance != 0 {
			t.Errorf("faulted reading carries a temperature: %f", r.Celsius)
		}
		var fe *FaultError
		if !errors.As(r.Err(), &fe) {
			t.Errorf("expected *FaultError, got %v", r.Err())
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("FaultBitWithEmptyStatus", func(t *testing.T) {
		d, p, _ := newDev(t, AdafruitPT100(), cycle(0x00, 0xB2, 0x00, 0x01, 0x00, 0x10)...)
		r, err := d.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !sameKinds(r.Faults, []FaultKind{UnknownFault}) {
			t.Errorf("expected unknown fault, got %v", r.Faults)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("Disconnected", func(t *testing.T) {
		d, p, _ := newDev(t, AdafruitPT1000(), cycle(0x00, 0xB2, 0x00, 0x00, 0, 0x10)...)
		r, err := d.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Faulted() || r.Celsius != -242.02 {
			t.Errorf("expected -242.02, got %f (faults %v)", r.Celsius, r.Faults)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("Options", func(t *testing.T) {
		opts := AdafruitPT1000()
		opts.Wiring = Wiring2or4
		opts.Filter = Filter50Hz
		opts.KeepBias = true
		opts.SettleDelay = 200 * time.Microsecond
		opts.BiasDelay = time.Millisecond
		ops := cycle(0x4C, 0xA3, 0x40, 0x00, 0, 0)
		d, p, s := newDev(t, opts, ops[:len(ops)-1]...)
		if _, err := d.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(s.d) != 2 || s.d[0] != time.Millisecond || s.d[1] != 200*time.Microsecond {
			t.Errorf("unexpected delays %v", s.d)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("BusError", func(t *testing.T) {
		ops := cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)
		d, _, _ := newDev(t, AdafruitPT100(), ops[:3]...)
		_, err := d.Acquire(context.Background())
		var be *BusError
		if !errors.As(err, &be) {
			t.Fatalf("expected *BusError, got %v", err)
		}
		if be.Op != "read" || be.Reg != rtdMsbReg {
			t.Errorf("unexpected failing transaction %+v", be)
		}
	})
	t.Run("Canceled", func(t *testing.T) {
		ops := cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)
		// Both configuration writes are issued, then the bias is released.
		d, p, _ := newDev(t, AdafruitPT100(), append(ops[:3:3], ops[len(ops)-1])...)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := d.Acquire(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("CanceledKeepBias", func(t *testing.T) {
		opts := AdafruitPT100()
		opts.KeepBias = true
		ops := cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)
		d, p, _ := newDev(t, opts, ops[:3]...)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := d.Acquire(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("TransportCause", func(t *testing.T) {
		errBus := errors.New("spi transfer failed")
		d, err := New(&stubPort{err: errBus}, AdafruitPT100())
		if err != nil {
			t.Fatal(err)
		}
		_, err = d.Acquire(context.Background())
		if !errors.Is(err, errBus) {
			t.Fatalf("expected transport error in chain, got %v", err)
		}
		var be *BusError
		if !errors.As(err, &be) || be.Op != "read" || be.Reg != configReg {
			t.Errorf("unexpected bus error %v", err)
		}
	})
}

// stubPort is a port and connection in one. Every transfer fails with err,
// or reads back zeros when err is nil.
type stubPort struct {
	err error
}

func (s *stubPort) String() string                      { return "stub" }
func (s *stubPort) LimitSpeed(f physic.Frequency) error { return nil }
func (s *stubPort) Duplex() conn.Duplex                 { return conn.Full }
func (s *stubPort) TxPackets(p []spi.Packet) error      { return s.err }

func (s *stubPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	return s, nil
}

func (s *stubPort) Tx(w, r []byte) error {
	if s.err != nil {
		return s.err
	}
	for i := range r {
		r[i] = 0
	}
	return nil
}

func TestIndependentSessions(t *testing.T) {
	var got [2]Reading
	var wg sync.WaitGroup
	for i := range got {
		d, p, _ := newDev(t, AdafruitPT1000(), cycle(0x00, 0xB2, 0x5A, 0x3C, 0, 0x10)...)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := d.Acquire(context.Background())
			if err != nil {
				t.Error(err)
			}
			if err := p.Close(); err != nil {
				t.Error(err)
			}
			got[i] = r
		}(i)
	}
	wg.Wait()
	if got[0].Raw != got[1].Raw || got[0].Celsius != got[1].Celsius || got[0].Resistance != got[1].Resistance {
		t.Errorf("sessions disagree: %+v != %+v", got[0], got[1])
	}
}

func TestNew(t *testing.T) {
	t.Run("Thresholds", func(t *testing.T) {
		opts := AdafruitPT100()
		opts.Thresholds = &Threshold{Low: 0x0000, High: 0xFFFF}
		newDev(t, opts,
			conntest.IO{W: []byte{0x86, 0x00, 0x00}, R: make([]byte, 3)},
			conntest.IO{W: []byte{0x85, 0x00, 0x00}, R: make([]byte, 3)},
			conntest.IO{W: []byte{0x84, 0xFF, 0x00}, R: make([]byte, 3)},
			conntest.IO{W: []byte{0x83, 0xFF, 0x00}, R: make([]byte, 3)},
		)
	})
	t.Run("Invalid", func(t *testing.T) {
		tests := map[string]func(o *Opts){
			"nominal":    func(o *Opts) { o.Calibration.NominalResistance = 0 },
			"reference":  func(o *Opts) { o.Calibration.ReferenceResistor = -1 },
			"correction": func(o *Opts) { o.Calibration.CorrectionFactor = -0.5 },
			"settle":     func(o *Opts) { o.SettleDelay = 50 * time.Microsecond },
			"bias":       func(o *Opts) { o.BiasDelay = -time.Second },
		}
		for name, mod := range tests {
			t.Run(name, func(t *testing.T) {
				opts := AdafruitPT100()
				mod(opts)
				p := &spitest.Playback{Playback: conntest.Playback{DontPanic: true}}
				if _, err := New(p, opts); !errors.Is(err, ErrInvalidOpts) {
					t.Errorf("expected ErrInvalidOpts, got %v", err)
				}
			})
		}
	})
}

func TestSense(t *testing.T) {
	t.Run("Temperature", func(t *testing.T) {
		d, p, _ := newDev(t, AdafruitPT100(), cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)...)
		var e physic.Env
		if err := d.Sense(&e); err != nil {
			t.Fatal(err)
		}
		if c := e.Temperature.Celsius(); !near(c, 19.244, 0.001) {
			t.Errorf("expected 19.244, got %f", c)
		}
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})
	t.Run("Fault", func(t *testing.T) {
		d, _, _ := newDev(t, AdafruitPT100(), cycle(0x00, 0xB2, 0x00, 0x01, 0x08, 0x10)...)
		var e physic.Env
		err := d.Sense(&e)
		var fe *FaultError
		if !errors.As(err, &fe) || !fe.Has(RtdInLow) {
			t.Errorf("expected RtdInLow fault, got %v", err)
		}
	})
}

func TestSenseContinuous(t *testing.T) {
	opts := AdafruitPT100()
	opts.BiasDelay = time.Microsecond
	opts.SettleDelay = MinSettleDelay
	d, _, _ := newDev(t, opts, cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)...)
	c, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := <-c
	if !ok {
		t.Fatal("channel closed before the first reading")
	}
	if cel := e.Temperature.Celsius(); !near(cel, 19.244, 0.001) {
		t.Errorf("expected 19.244, got %f", cel)
	}
	// The playback is exhausted, so the next cycle fails and ends the stream.
	if _, ok := <-c; ok {
		t.Error("expected channel to close")
	}
	if err := d.Halt(); err != nil {
		t.Error(err)
	}
}

func TestSenseContinuousSkipsFaults(t *testing.T) {
	opts := AdafruitPT100()
	opts.BiasDelay = time.Microsecond
	opts.SettleDelay = MinSettleDelay
	ops := append(cycle(0x00, 0xB2, 0x00, 0x01, 0x08, 0x10), cycle(0x00, 0xB2, 0x40, 0x00, 0, 0x10)...)
	d, _, _ := newDev(t, opts, ops...)
	c, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := <-c
	if !ok {
		t.Fatal("channel closed on a faulted cycle")
	}
	if cel := e.Temperature.Celsius(); !near(cel, 19.244, 0.001) {
		t.Errorf("expected 19.244, got %f", cel)
	}
	if _, ok := <-c; ok {
		t.Fatal("expected channel to close on bus error")
	}
	// The stream ended on its own; single readings are allowed again.
	_, err = d.Acquire(context.Background())
	var be *BusError
	if !errors.As(err, &be) {
		t.Errorf("expected *BusError, got %v", err)
	}
	if err := d.Halt(); err != nil {
		t.Error(err)
	}
}

func TestSenseContinuousConcurrent(t *testing.T) {
	opts := AdafruitPT1000()
	opts.BiasDelay = time.Microsecond
	opts.SettleDelay = MinSettleDelay
	d, err := New(&stubPort{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	d.wait = (&sleeps{}).wait

	var wg sync.WaitGroup
	chans := make([]<-chan physic.Env, 2)
	for i := range chans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := d.SenseContinuous(time.Millisecond)
			if err != nil {
				t.Error(err)
			}
			chans[i] = c
		}(i)
	}
	wg.Wait()
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	for i, c := range chans {
		done := make(chan struct{})
		go func() {
			for range c {
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("stream %d still running after Halt", i)
		}
	}
}
