package max31865

import (
	"fmt"

	"periph.io/x/conn/v3"
)

// RawCode is the content of the RTD data register pair.
type RawCode struct {
	MSB, LSB byte
	// Code is the 15-bit ratio of RTD to reference resistance.
	Code uint16
	// Fault is the low bit of the pair, set when the device detected a fault.
	Fault bool
}

// DecodeRawCode splits the RTD register pair into the code and fault flag.
func DecodeRawCode(msb, lsb byte) RawCode {
	rtd := uint16(msb)<<8 | uint16(lsb)
	return RawCode{MSB: msb, LSB: lsb, Code: rtd >> 1, Fault: rtd&1 != 0}
}

// BusError is returned when a bus transaction fails. The transport error is
// kept unchanged and reachable through errors.Is and errors.As.
type BusError struct {
	Op  string
	Reg uint8
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s register %#04x: %v", e.Op, e.Reg, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// regio frames register accesses into the fixed 3 byte exchange the device
// uses: address byte followed by two payload bytes. The reply lags the
// request by one byte, so a register value comes back at position 1.
type regio struct {
	c conn.Conn
}

func (r *regio) tx(op string, reg uint8, w *[frameLen]byte) ([frameLen]byte, error) {
	var read [frameLen]byte
	if err := r.c.Tx(w[:], read[:]); err != nil {
		return read, &BusError{Op: op, Reg: reg &^ regWrite, Err: err}
	}
	return read, nil
}

func (r *regio) readRegister(reg uint8) (byte, error) {
	write := [frameLen]byte{reg &^ regWrite}
	read, err := r.tx("read", reg, &write)
	if err != nil {
		return 0, err
	}
	return read[1], nil
}

func (r *regio) readRegisterPair(reg uint8) (msb, lsb byte, err error) {
	write := [frameLen]byte{reg &^ regWrite}
	read, err := r.tx("read", reg, &write)
	if err != nil {
		return 0, 0, err
	}
	return read[1], read[2], nil
}

// writeRegister writes a single register. The last frame byte is padding.
func (r *regio) writeRegister(reg, value uint8) error {
	write := [frameLen]byte{reg | regWrite, value}
	_, err := r.tx("write", reg, &write)
	return err
}

func (r *regio) readConfig() (ConfigRegister, error) {
	b, err := r.readRegister(configReg)
	return ConfigRegister(b), err
}

func (r *regio) writeConfig(c ConfigRegister) error {
	return r.writeRegister(configReg, uint8(c))
}

func (r *regio) readRTD() (RawCode, error) {
	msb, lsb, err := r.readRegisterPair(rtdMsbReg)
	if err != nil {
		return RawCode{}, err
	}
	return DecodeRawCode(msb, lsb), nil
}

func (r *regio) readFaultStatus() (uint8, error) {
	return r.readRegister(faultStatReg)
}

// Threshold holds the raw fault threshold register values. They compare
// against the RTD register pair including its fault bit position.
type Threshold struct {
	Low, High uint16
}

func (r *regio) writeThreshold(t Threshold) error {
	regs := [...]struct{ reg, val uint8 }{
		{lFaultLsbReg, uint8(t.Low)},
		{lFaultMsbReg, uint8(t.Low >> 8)},
		{hFaultLsbReg, uint8(t.High)},
		{hFaultMsbReg, uint8(t.High >> 8)},
	}
	for _, w := range regs {
		if err := r.writeRegister(w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

func (r *regio) readThreshold() (Threshold, error) {
	hm, hl, err := r.readRegisterPair(hFaultMsbReg)
	if err != nil {
		return Threshold{}, err
	}
	lm, ll, err := r.readRegisterPair(lFaultMsbReg)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{
		Low:  uint16(lm)<<8 | uint16(ll),
		High: uint16(hm)<<8 | uint16(hl),
	}, nil
}
