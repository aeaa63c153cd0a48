package instrument

import (
	"context"
	"path/filepath"
	"sort"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
)

// serialPatterns are the device nodes of USB serial adapters
var serialPatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

// Discover lists the resources an empty address can resolve to, USBTMC
// devices first, then serial ports. A failing USB stack is logged and
// skipped so serial ports are still listed.
func Discover(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrDiscoverFailed, err)
	}

	var found []string

	usb, err := discoverUSBTMC()
	if err != nil {
		logger.Debug().Err(err).Msg("USBTMC discovery unavailable")
	}
	found = append(found, usb...)

	ports, err := serialPorts(serialPatterns)
	if err != nil {
		return nil, errors.New().Wrap(ErrDiscoverFailed, err)
	}
	found = append(found, ports...)

	logger.Debug().Strs("resources", found).Msg("Discovered instruments")

	return found, nil
}

func serialPorts(patterns []string) ([]string, error) {
	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			ports = append(ports, Address{Kind: KindSerial, Device: m}.String())
		}
	}
	return ports, nil
}
