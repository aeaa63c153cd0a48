package instrument

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	"github.com/google/gousb"
)

/*
USBTMC bulk messages carry a 12 byte header:

	0     MsgID (1 = DEV_DEP_MSG_OUT, 2 = REQUEST_DEV_DEP_MSG_IN)
	1     bTag, 1..255, incremented for every message
	2     bitwise inverse of bTag
	3     reserved
	4-7   transfer size, little endian, excluding header and alignment
	8     OUT: bit 0 EOM; IN request: bit 1 term char enabled
	9     IN request: term char
	10-11 reserved

OUT transfers are padded to a multiple of 4 bytes.
*/
const (
	msgDevDepOut    = 0x01
	msgRequestDevIn = 0x02
	headerSize      = 12
	alignment       = 4
	reserved        = 0x00
	bulkInSize      = 1500

	usbtmcClass    = gousb.Class(0xfe)
	usbtmcSubClass = gousb.Class(0x03)
)

// bTagGen produces bTags in 1..255
type bTagGen struct {
	value byte
}

func (b *bTagGen) next() byte {
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = tag ^ 0xff
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // EOM
	return out
}

func encBulkInHeader(tag byte, bufsize int) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgRequestDevIn
	out[1] = tag
	out[2] = tag ^ 0xff
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	return out
}

// encodeBulkOut frames a message as a single aligned DEV_DEP_MSG_OUT transfer
func encodeBulkOut(tag byte, data []byte) []byte {
	hdr := encBulkOutHeader(tag, len(data))
	b := append(hdr[:], data...)
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// decodeBulkIn validates a DEV_DEP_MSG_IN header and returns the declared payload size
func decodeBulkIn(tag byte, buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("short bulk-in transfer: %d bytes", len(buf))
	}
	if buf[0] != msgRequestDevIn {
		return 0, fmt.Errorf("unexpected MsgID %#x", buf[0])
	}
	if buf[1] != tag || buf[2] != tag^0xff {
		return 0, fmt.Errorf("bTag mismatch: sent %d, got %d", tag, buf[1])
	}
	return int(binary.LittleEndian.Uint32(buf[4:8])), nil
}

// usbtmcChannel is a Channel over a USBTMC bulk pipe pair
type usbtmcChannel struct {
	addr    string
	ctx     *gousb.Context
	device  *gousb.Device
	config  *gousb.Config
	iface   *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	tags    bTagGen
	timeout time.Duration
	closed  bool
}

// usbtmcSetting locates the USBTMC interface and its bulk endpoints
type usbtmcSetting struct {
	config, iface, alt int
	in, out            int
}

func findUSBTMC(desc *gousb.DeviceDesc) (usbtmcSetting, bool) {
	for cfgNum, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != usbtmcClass || alt.SubClass != usbtmcSubClass {
					continue
				}
				s := usbtmcSetting{config: cfgNum, iface: intf.Number, alt: alt.Alternate, in: -1, out: -1}
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						s.in = ep.Number
					} else {
						s.out = ep.Number
					}
				}
				if s.in >= 0 && s.out >= 0 {
					return s, true
				}
			}
		}
	}
	return usbtmcSetting{}, false
}

// newUSBContext guards against libusb failing to initialize, which gousb reports by panicking
func newUSBContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libusb unavailable: %v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func openUSBTMC(addr Address, timeout time.Duration) (Channel, error) {
	errFactory := errors.New()

	usb, err := newUSBContext()
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	var setting usbtmcSetting
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != addr.VendorID || uint16(desc.Product) != addr.ProductID {
			return false
		}
		s, ok := findUSBTMC(desc)
		if ok {
			setting = s
		}
		return ok
	})
	if err != nil && len(devs) == 0 {
		usb.Close()
		return nil, errFactory.Wrap(ErrOpenFailed, err).WithData(addr.String())
	}

	var device *gousb.Device
	for _, d := range devs {
		if device == nil && matchesSerial(d, addr.Serial) {
			device = d
			continue
		}
		d.Close()
	}
	if device == nil {
		usb.Close()
		return nil, errFactory.WithData(ErrNoInstrumentFound, addr.String())
	}

	ch := &usbtmcChannel{addr: addr.String(), ctx: usb, device: device, timeout: timeout}
	if err := ch.claim(setting); err != nil {
		ch.Close()
		return nil, errFactory.Wrap(ErrOpenFailed, err).WithData(addr.String())
	}

	logger.Debug().Str("address", ch.addr).Msg("Opened USBTMC device")

	return ch, nil
}

func matchesSerial(d *gousb.Device, serial string) bool {
	if serial == "" {
		return true
	}
	sn, err := d.SerialNumber()
	return err == nil && strings.EqualFold(sn, serial)
}

func (c *usbtmcChannel) claim(s usbtmcSetting) error {
	var err error
	if err = c.device.SetAutoDetach(true); err != nil {
		return err
	}
	if c.config, err = c.device.Config(s.config); err != nil {
		return err
	}
	if c.iface, err = c.config.Interface(s.iface, s.alt); err != nil {
		return err
	}
	if c.in, err = c.iface.InEndpoint(s.in); err != nil {
		return err
	}
	c.out, err = c.iface.OutEndpoint(s.out)
	return err
}

func (c *usbtmcChannel) Send(ctx context.Context, cmd string) error {
	errFactory := errors.New()

	if c.closed {
		return errFactory.New(ErrNotConnected)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.write(opCtx, cmd); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err).WithData(cmd)
	}
	return nil
}

func (c *usbtmcChannel) Query(ctx context.Context, cmd string) (string, error) {
	errFactory := errors.New()

	if c.closed {
		return "", errFactory.New(ErrNotConnected)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.write(opCtx, cmd); err != nil {
		return "", c.classify(opCtx, err, cmd)
	}

	resp, err := c.read(opCtx)
	if err != nil {
		return "", c.classify(opCtx, err, cmd)
	}

	return strings.TrimRight(string(resp), "\r\n"), nil
}

func (c *usbtmcChannel) classify(opCtx context.Context, err error, cmd string) error {
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return errors.New().Wrap(ErrQueryTimeout, err).WithData(cmd)
	}
	return errors.New().Wrap(ErrCommandFailed, err).WithData(cmd)
}

func (c *usbtmcChannel) write(ctx context.Context, cmd string) error {
	msg := encodeBulkOut(c.tags.next(), append([]byte(cmd), terminator))
	n, err := c.out.WriteContext(ctx, msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(msg))
	}
	return nil
}

func (c *usbtmcChannel) read(ctx context.Context) ([]byte, error) {
	tag := c.tags.next()
	hdr := encBulkInHeader(tag, bulkInSize)
	if _, err := c.out.WriteContext(ctx, hdr[:]); err != nil {
		return nil, err
	}

	buf := make([]byte, bulkInSize+headerSize+alignment)
	n, err := c.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, err
	}

	size, err := decodeBulkIn(tag, buf[:n])
	if err != nil {
		return nil, errors.New().Wrap(ErrUSBTransfer, err)
	}

	data := append([]byte(nil), buf[headerSize:n]...)
	for len(data) < size {
		m, err := c.in.ReadContext(ctx, buf)
		if err != nil {
			return nil, err
		}
		data = append(data, buf[:m]...)
	}

	return data[:size], nil
}

func (c *usbtmcChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.iface != nil {
		c.iface.Close()
	}

	var errs []error
	if c.config != nil {
		errs = append(errs, c.config.Close())
	}
	if c.device != nil {
		errs = append(errs, c.device.Close())
	}
	errs = append(errs, c.ctx.Close())

	if err := errors.Join(errs...); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	logger.Debug().Str("address", c.addr).Msg("Closed instrument channel")

	return nil
}

// discoverUSBTMC lists USBTMC resources on the bus
func discoverUSBTMC() ([]string, error) {
	usb, err := newUSBContext()
	if err != nil {
		return nil, err
	}
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := findUSBTMC(desc)
		return ok
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, err
	}

	found := make([]string, 0, len(devs))
	for _, d := range devs {
		addr := Address{
			Kind:      KindUSB,
			VendorID:  uint16(d.Desc.Vendor),
			ProductID: uint16(d.Desc.Product),
		}
		if sn, err := d.SerialNumber(); err == nil {
			addr.Serial = sn
		}
		found = append(found, addr.String())
	}

	return found, nil
}
