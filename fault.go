package max31865

import (
	"fmt"
	"strings"
)

// FaultKind is one condition reported by the fault status register.
type FaultKind uint8

const (
	// UnknownFault is reported when the RTD fault bit was set but the fault
	// status register had no bit set.
	UnknownFault     FaultKind = 0
	OverUnderVoltage FaultKind = FaultKind(faultOvUv)
	RtdInLow         FaultKind = FaultKind(faultRtdInLow)
	RefInHigh        FaultKind = FaultKind(faultRefInHigh)
	RefInLow         FaultKind = FaultKind(faultRefInLow)
	LowThreshold     FaultKind = FaultKind(faultLowThresh)
	HighThreshold    FaultKind = FaultKind(faultHighThresh)
)

var faultKinds = [...]FaultKind{HighThreshold, LowThreshold, RefInLow, RefInHigh, RtdInLow, OverUnderVoltage}

func (k FaultKind) String() string {
	switch k {
	case HighThreshold:
		return "rtd resistance above high threshold"
	case LowThreshold:
		return "rtd resistance below low threshold"
	case RefInLow:
		return "REFIN- > 0.85 x Vbias"
	case RefInHigh:
		return "REFIN- < 0.85 x Vbias (FORCE- open)"
	case RtdInLow:
		return "RTDIN- < 0.85 x Vbias (FORCE- open)"
	case OverUnderVoltage:
		return "over/under voltage"
	}
	return "unknown fault"
}

// DecodeFaults returns one FaultKind per bit set in the fault status byte.
// Bits are independent; all of them are reported. A zero status yields
// UnknownFault since it is only read after the RTD fault bit was seen.
func DecodeFaults(status uint8) []FaultKind {
	var kinds []FaultKind
	for _, k := range faultKinds {
		if status&uint8(k) != 0 {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return []FaultKind{UnknownFault}
	}
	return kinds
}

// FaultError reports a faulted reading where an error is the only way out,
// such as physic.SenseEnv.
type FaultError struct {
	Status uint8
	Faults []FaultKind
}

func (e *FaultError) Error() string {
	s := make([]string, len(e.Faults))
	for i, k := range e.Faults {
		s[i] = k.String()
	}
	return fmt.Sprintf("fault detected (%#04x): %s", e.Status, strings.Join(s, ", "))
}

// Has reports whether k is among the decoded faults.
func (e *FaultError) Has(k FaultKind) bool {
	for _, f := range e.Faults {
		if f == k {
			return true
		}
	}
	return false
}
