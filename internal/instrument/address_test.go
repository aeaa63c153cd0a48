package instrument_test

import (
	"testing"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want instrument.Address
	}{
		{
			in:   "TCPIP0::192.168.1.50::SOCKET",
			want: instrument.Address{Kind: instrument.KindTCP, Host: "192.168.1.50", Port: 5555},
		},
		{
			in:   "TCPIP::dl3021.lab::5025::SOCKET",
			want: instrument.Address{Kind: instrument.KindTCP, Host: "dl3021.lab", Port: 5025},
		},
		{
			in:   "ASRL/dev/ttyUSB0::INSTR",
			want: instrument.Address{Kind: instrument.KindSerial, Device: "/dev/ttyUSB0"},
		},
		{
			in:   "USB0::0x1AB1::0x0E11::DL3A204800938::INSTR",
			want: instrument.Address{Kind: instrument.KindUSB, VendorID: 0x1ab1, ProductID: 0x0e11, Serial: "DL3A204800938"},
		},
		{
			in:   "USB::6833::3601::INSTR",
			want: instrument.Address{Kind: instrument.KindUSB, VendorID: 6833, ProductID: 3601},
		},
		{
			in:   "sim::instr",
			want: instrument.Address{Kind: instrument.KindSim},
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := instrument.ParseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"192.168.1.50",
		"TCPIP0::::SOCKET",
		"TCPIP0::host::INSTR",
		"TCPIP0::host::notaport::SOCKET",
		"TCPIP0::host::70000::SOCKET",
		"ASRL::INSTR",
		"USB0::0x1AB1::INSTR",
		"USB0::zz::0x0E11::INSTR",
		"GPIB0::12::INSTR",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := instrument.ParseAddress(in)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, instrument.ErrInvalidAddress))
		})
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	for _, in := range []string{
		"TCPIP0::10.0.0.7::5555::SOCKET",
		"ASRL/dev/ttyACM1::INSTR",
		"USB0::0x1AB1::0x0E11::INSTR",
		"USB0::0x1AB1::0x0E11::DL3A1::INSTR",
		"SIM::INSTR",
	} {
		addr, err := instrument.ParseAddress(in)
		require.NoError(t, err)
		assert.Equal(t, in, addr.String())
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "tcp", instrument.KindTCP.String())
	assert.Equal(t, "serial", instrument.KindSerial.String())
	assert.Equal(t, "usbtmc", instrument.KindUSB.String())
	assert.Equal(t, "sim", instrument.KindSim.String())
	assert.Equal(t, "unknown", instrument.Kind(42).String())
}
