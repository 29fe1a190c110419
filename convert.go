package max31865

import "math"

// CalibrationParams describes the analog front end.
type CalibrationParams struct {
	// NominalResistance is the RTD resistance at 0°C, e.g. 100 or 1000 ohm.
	NominalResistance float64
	// ReferenceResistor is the board's reference resistor, e.g. 430 or 4300 ohm.
	ReferenceResistor float64
	// CorrectionFactor scales the measured resistance before it is converted
	// to a temperature. Zero is treated as 1.
	CorrectionFactor float64
}

func (p CalibrationParams) correction() float64 {
	if p.CorrectionFactor == 0 {
		return 1
	}
	return p.CorrectionFactor
}

// Resistance converts a 15-bit RTD code to ohms.
func (p CalibrationParams) Resistance(code uint16) float64 {
	return float64(code) / 32768.0 * p.ReferenceResistor * p.correction()
}

// Converter turns RTD codes into temperatures.
type Converter struct {
	Params CalibrationParams
	// Extended enables the sub-zero polynomial when the quadratic solution
	// falls below 0°C.
	//
	// The polynomial has not been verified against reference hardware.
	Extended bool
}

// Temperature returns the resistance and temperature in °C for code.
func (c *Converter) Temperature(code uint16) (ohms, celsius float64) {
	ohms = c.Params.Resistance(code)
	celsius = quadratic(ohms, c.Params.NominalResistance)
	if celsius >= 0 || !c.Extended {
		return ohms, celsius
	}
	return ohms, subZero(ohms, c.Params.NominalResistance)
}

// quadratic solves R = R0(1 + A*T + B*T^2) for its root valid at T >= 0.
func quadratic(rt, nominal float64) float64 {
	z1 := -rtdA
	z2 := rtdA*rtdA - (4 * rtdB)
	z3 := (4 * rtdB) / nominal
	z4 := 2 * rtdB

	return (math.Sqrt(z2+(z3*rt)) + z1) / z4
}

func subZero(rt, nominal float64) float64 {
	// Normalize to 100 ohm
	rt = rt * 100 / nominal

	temp := 0.0
	rpoly := 1.0
	for _, c := range rtdNegPoly {
		temp += c * rpoly
		rpoly *= rt
	}
	return temp
}
