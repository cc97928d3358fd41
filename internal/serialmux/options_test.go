package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_NegativeBaudRate(t *testing.T) {
	got, err := PortOptions{BaudRate: -1}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != DefaultBaudRate {
		t.Errorf("negative baud rate should default to %d, got %d", DefaultBaudRate, got.BaudRate)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits too low", PortOptions{DataBits: 4}},
		{"data bits too high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "X"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.opts.Normalize(); err == nil {
				t.Errorf("expected error for %+v", tc.opts)
			}
		})
	}
}

func TestPortOptions_Normalize_ParityVariations(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"N", "N"},
		{"n", "N"},
		{"NONE", "N"},
		{" even ", "E"},
		{"E", "E"},
		{"odd", "O"},
		{"O", "O"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := PortOptions{Parity: tc.input}.Normalize()
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got.Parity != tc.want {
				t.Errorf("Parity = %q, want %q", got.Parity, tc.want)
			}
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{}
	b := PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "none"}
	if !a.Equal(b) {
		t.Error("defaults should equal their explicit form")
	}
	if a.Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if a.Equal(PortOptions{Parity: "bogus"}) {
		t.Error("invalid options should never be equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
		want serial.Mode
	}{
		{"default", PortOptions{}, serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}},
		{"even", PortOptions{BaudRate: 9600, Parity: "E"}, serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.OneStopBit}},
		{"odd two stop bits", PortOptions{Parity: "O", StopBits: 2, DataBits: 7}, serial.Mode{BaudRate: DefaultBaudRate, DataBits: 7, Parity: serial.OddParity, StopBits: serial.TwoStopBits}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := tc.opts.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode() error = %v", err)
			}
			if mode.BaudRate != tc.want.BaudRate || mode.DataBits != tc.want.DataBits ||
				mode.Parity != tc.want.Parity || mode.StopBits != tc.want.StopBits {
				t.Errorf("SerialMode() = %+v, want %+v", *mode, tc.want)
			}
		})
	}

	if _, err := (PortOptions{DataBits: 12}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}

func TestPortOptions_String(t *testing.T) {
	tests := []struct {
		opts PortOptions
		want string
	}{
		{PortOptions{}, "115200 8N1"},
		{PortOptions{BaudRate: 9600, Parity: "even", StopBits: 2, DataBits: 7}, "9600 7E2"},
		{PortOptions{Parity: "X"}, `invalid: unsupported parity "X": expected N, E, or O`},
	}
	for _, tc := range tests {
		if got := tc.opts.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.opts, got, tc.want)
		}
	}
}
