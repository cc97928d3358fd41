package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// PortOptions are the line settings of the bridge's serial link. Zero
// values mean 115200 8N1, the firmware default.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"` // N, E or O; NONE, EVEN and ODD are accepted
}

var parities = map[string]struct {
	code string
	mode serial.Parity
}{
	"N":    {"N", serial.NoParity},
	"NONE": {"N", serial.NoParity},
	"E":    {"E", serial.EvenParity},
	"EVEN": {"E", serial.EvenParity},
	"O":    {"O", serial.OddParity},
	"ODD":  {"O", serial.OddParity},
}

// Normalize fills in defaults and canonicalises Parity to one letter.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	p := strings.ToUpper(strings.TrimSpace(o.Parity))
	if p == "" {
		p = "N"
	}

	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	par, ok := parities[p]
	if !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = par.code
	return o, nil
}

// Equal reports whether both options open the port the same way. Invalid
// options equal nothing.
func (o PortOptions) Equal(other PortOptions) bool {
	a, errA := o.Normalize()
	b, errB := other.Normalize()
	return errA == nil && errB == nil && a == b
}

// String formats the options the usual way, e.g. "115200 8N1".
func (o PortOptions) String() string {
	n, err := o.Normalize()
	if err != nil {
		return "invalid: " + err.Error()
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}

// SerialMode converts the options for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		Parity:   parities[n.Parity].mode,
		StopBits: serial.OneStopBit,
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
