package instrument

import (
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/mutker/loadctl/internal/errors"
)

// Kind is the transport an address resolves to
type Kind int

const (
	KindTCP Kind = iota
	KindSerial
	KindUSB
	KindSim
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "serial"
	case KindUSB:
		return "usbtmc"
	case KindSim:
		return "sim"
	default:
		return "unknown"
	}
}

// DefaultSocketPort is the raw SCPI socket port of the DL3000 family
const DefaultSocketPort = 5555

// Address is a parsed VISA style resource string
type Address struct {
	Kind Kind

	// TCP
	Host string
	Port int

	// Serial
	Device string

	// USB
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// ParseAddress parses the resource strings accepted by Connect:
//
//	TCPIP[n]::<host>[::<port>]::SOCKET
//	ASRL<device>::INSTR
//	USB[n]::<vid>::<pid>[::<serial>]::INSTR
//	SIM::INSTR
func ParseAddress(s string) (Address, error) {
	errFactory := errors.New()

	parts := strings.Split(strings.TrimSpace(s), "::")
	head := strings.ToUpper(parts[0])
	tail := strings.ToUpper(parts[len(parts)-1])

	switch {
	case head == "SIM":
		return Address{Kind: KindSim}, nil

	case strings.HasPrefix(head, "TCPIP"):
		if len(parts) < 3 || tail != "SOCKET" {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		addr := Address{Kind: KindTCP, Host: parts[1], Port: DefaultSocketPort}
		if len(parts) == 4 {
			port, err := strconv.Atoi(parts[2])
			if err != nil || port <= 0 || port > 65535 {
				return Address{}, errFactory.WithData(ErrInvalidAddress, s)
			}
			addr.Port = port
		}
		if addr.Host == "" {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		return addr, nil

	case strings.HasPrefix(head, "ASRL"):
		device := parts[0][len("ASRL"):]
		if device == "" || len(parts) != 2 || tail != "INSTR" {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		return Address{Kind: KindSerial, Device: device}, nil

	case strings.HasPrefix(head, "USB"):
		if (len(parts) != 4 && len(parts) != 5) || tail != "INSTR" {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		vid, err := parseID(parts[1])
		if err != nil {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		pid, err := parseID(parts[2])
		if err != nil {
			return Address{}, errFactory.WithData(ErrInvalidAddress, s)
		}
		addr := Address{Kind: KindUSB, VendorID: vid, ProductID: pid}
		if len(parts) == 5 {
			addr.Serial = parts[3]
		}
		return addr, nil
	}

	return Address{}, errFactory.WithData(ErrInvalidAddress, s)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// String formats the address back into a resource string
func (a Address) String() string {
	switch a.Kind {
	case KindTCP:
		return fmt.Sprintf("TCPIP0::%s::%d::SOCKET", a.Host, a.Port)
	case KindSerial:
		return fmt.Sprintf("ASRL%s::INSTR", a.Device)
	case KindUSB:
		if a.Serial != "" {
			return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", a.VendorID, a.ProductID, a.Serial)
		}
		return fmt.Sprintf("USB0::0x%04X::0x%04X::INSTR", a.VendorID, a.ProductID)
	case KindSim:
		return "SIM::INSTR"
	default:
		return ""
	}
}
