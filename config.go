package max31865

import "fmt"

// ConfigRegister is the value of the configuration register (address 0x00).
//
// Each flag has its own setter so a value is never assembled from a mixed
// bitwise expression. The fault-status-clear bit is write only and self
// clearing: it is never decoded back.
type ConfigRegister uint8

// Bias returns c with the bias voltage enabled or disabled.
func (c ConfigRegister) Bias(on bool) ConfigRegister {
	return c.set(configBias, on)
}

// Mode returns c with the given conversion mode. One-shot and auto are
// mutually exclusive on the device.
func (c ConfigRegister) Mode(m ConversionMode) ConfigRegister {
	c = c.set(configModeAuto, m == ModeAuto)
	return c.set(config1Shot, m == ModeOneShot)
}

// Wiring returns c with the 3-wire bit set or cleared.
func (c ConfigRegister) Wiring(w WiringMode) ConfigRegister {
	return c.set(config3Wire, w == Wiring3)
}

// Filter returns c with the notch filter frequency bit set or cleared.
func (c ConfigRegister) Filter(f FilterFrequency) ConfigRegister {
	return c.set(configFilt50Hz, f == Filter50Hz)
}

// ClearFaults returns c with the fault-status-clear bit set. Fault detection
// cycle bits are cleared at the same time as the device requires.
func (c ConfigRegister) ClearFaults() ConfigRegister {
	c = c.set(configFaultCyc, false)
	return c.set(configFaultStat, true)
}

// Settled returns c as it should be read back: the write-only fault clear
// and the self-clearing one-shot bits are dropped.
func (c ConfigRegister) Settled() ConfigRegister {
	return c.set(configFaultStat|config1Shot, false)
}

func (c ConfigRegister) BiasEnabled() bool {
	return uint8(c)&configBias != 0
}

func (c ConfigRegister) ConversionMode() ConversionMode {
	switch {
	case uint8(c)&configModeAuto != 0:
		return ModeAuto
	case uint8(c)&config1Shot != 0:
		return ModeOneShot
	}
	return ModeOff
}

func (c ConfigRegister) WiringMode() WiringMode {
	if uint8(c)&config3Wire != 0 {
		return Wiring3
	}
	return Wiring2or4
}

func (c ConfigRegister) FilterFrequency() FilterFrequency {
	if uint8(c)&configFilt50Hz != 0 {
		return Filter50Hz
	}
	return Filter60Hz
}

func (c ConfigRegister) String() string {
	return fmt.Sprintf("config{%#04x bias=%t mode=%s wiring=%s filter=%s}",
		uint8(c), c.BiasEnabled(), c.ConversionMode(), c.WiringMode(), c.FilterFrequency())
}

func (c ConfigRegister) set(mask uint8, on bool) ConfigRegister {
	if on {
		return c | ConfigRegister(mask)
	}
	return c &^ ConfigRegister(mask)
}
