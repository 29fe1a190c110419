package max31865

// RTDType selects the nominal resistance of the sensing element.
type RTDType int

const (
	RTDPT100 RTDType = iota
	RTDPT1000
)

// Nominal returns the resistance of the element at 0°C.
func (t RTDType) Nominal() float64 {
	switch t {
	case RTDPT100:
		return 100.0
	case RTDPT1000:
		return 1000.0
	}
	return 0
}

// WiringMode selects how the RTD is connected. It only affects one config
// bit; the numeric model is the same for all wirings.
type WiringMode int

const (
	Wiring2or4 WiringMode = iota
	Wiring3
)

func (w WiringMode) String() string {
	if w == Wiring3 {
		return "3-wire"
	}
	return "2/4-wire"
}

// FilterFrequency is the mains frequency rejected by the notch filter.
type FilterFrequency int

const (
	Filter60Hz FilterFrequency = iota
	Filter50Hz
)

func (f FilterFrequency) String() string {
	if f == Filter50Hz {
		return "50Hz"
	}
	return "60Hz"
}

// ConversionMode is the conversion part of the configuration register.
type ConversionMode int

const (
	ModeOff ConversionMode = iota
	ModeOneShot
	ModeAuto
)

func (m ConversionMode) String() string {
	switch m {
	case ModeOneShot:
		return "one-shot"
	case ModeAuto:
		return "auto"
	}
	return "off"
}

// Magic numbers for computing temperature
const (
	rtdA float64 = 3.9083e-3
	rtdB float64 = -5.775e-7
)

// Sub-zero polynomial, applied to the resistance normalized to 100 ohm.
var rtdNegPoly = [...]float64{-242.02, 2.2228, 2.5859e-3, -4.8260e-6, -2.8183e-8, 1.5243e-10}

const (
	configReg uint8 = iota
	rtdMsbReg
	rtdLsbReg
	hFaultMsbReg
	hFaultLsbReg
	lFaultMsbReg
	lFaultLsbReg
	faultStatReg
)

const (
	regWrite uint8 = 0x80
	frameLen       = 3
)

const (
	faultHighThresh uint8 = 0x80
	faultLowThresh  uint8 = 0x40
	faultRefInLow   uint8 = 0x20
	faultRefInHigh  uint8 = 0x10
	faultRtdInLow   uint8 = 0x08
	faultOvUv       uint8 = 0x04
)

const (
	configBias      uint8 = 0x80
	configModeAuto  uint8 = 0x40
	config1Shot     uint8 = 0x20
	config3Wire     uint8 = 0x10
	configFaultCyc  uint8 = 0x0C
	configFaultStat uint8 = 0x02
	configFilt50Hz  uint8 = 0x01
)
