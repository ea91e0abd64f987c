/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a Device which hides the bulk transfer framing
behind an io.ReadWriteCloser so it can sit underneath comm.RemoteDevice.

This covers the bulk transfer mode only.  It does not implement the
chatter / ping-pong used when data does not fit in the remote buffer;
responses larger than one read are delivered across successive Reads.

To send a message:
1.  Write the DEV_DEP_MSG_OUT header
2.  Write your data
3.  Pad the total transmission to a multiple of 4 bytes

To receive a message:
1.  Send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read from the In endpoint
3.  Pop the 12 byte header, whose transfer size bounds the payload

A Read which gets nothing within readPoll returns (0, io.EOF), like a serial
port with a ReadTimeout, and the next Read waits on the same request.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	reserved   = 0x00
	headerSize = 12
	alignment  = 4

	// bufSize is the largest read requested from the device
	bufSize = 1500

	// readPoll bounds one wait on the In endpoint
	readPoll = 100 * time.Millisecond

	msgDevDepOut   = 0x01
	msgRequestIn   = 0x02
	termChar       = '\n'
	bitEOM         = 0x01
	bitTermCharEnb = 0x02
)

var (
	// ErrNotFound is generated when no device matches the VID, PID, and serial
	ErrNotFound = errors.New("no matching USBTMC device found")

	// ErrNoBulkEndpoints is generated when the default interface lacks a bulk in/out pair
	ErrNoBulkEndpoints = errors.New("USBTMC interface has no bulk endpoints")
)

// bTagGen is a concurrent-safe bTag generator.  Valid bTags are 1..255.
type bTagGen struct {
	sync.Mutex
	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	/* data map by offset:
	0 MsgID
	1 bTag, unique and incrementing with each message
	2 bTagInverse
	3 Reserved
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out := [headerSize]byte{}
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = bitEOM
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and leaves TermCharEnabled false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = bitTermCharEnb
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates a DEV_DEP_MSG_IN header and returns its transfer size
func decBulkInHeader(hdr []byte, tag byte) (int, error) {
	if len(hdr) < headerSize {
		return 0, fmt.Errorf("only received %d bytes, need at least %d to form header", len(hdr), headerSize)
	}
	if hdr[0] != msgRequestIn {
		return 0, fmt.Errorf("unexpected MsgID %d in bulk in header", hdr[0])
	}
	if hdr[1] != tag || hdr[2] != invbTag(tag) {
		return 0, fmt.Errorf("bTag mismatch, sent %d got %d", tag, hdr[1])
	}
	return int(binary.LittleEndian.Uint32(hdr[4:8])), nil
}

// frameOut prepends the header to b and pads to the USBTMC alignment
func frameOut(tag byte, b []byte) []byte {
	hdr := encBulkOutHeader(tag, len(b))
	buf := make([]byte, 0, headerSize+len(b)+alignment)
	buf = append(buf, hdr[:]...)
	buf = append(buf, b...)
	if residual := len(buf) % alignment; residual > 0 {
		buf = append(buf, make([]byte, alignment-residual)...)
	}
	return buf
}

// inEndpoint is satisfied by *gousb.InEndpoint
type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser
type Device struct {
	tags    bTagGen
	ctx     *gousb.Context
	device  *gousb.Device
	iface   *gousb.Interface
	done    func()
	in      inEndpoint
	out     io.Writer
	pending []byte

	// inflight is the bTag of a request whose reply has not arrived, 0 if none
	inflight byte
}

// Open finds the device with the given vendor and product ID.  If serial is
// not empty, the device's serial number must also match.
func Open(vid, pid uint16, serial string) (*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			sn, _ := d.SerialNumber()
			if serial == "" || sn == serial {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	d := &Device{ctx: ctx, device: dev}
	if err = dev.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	d.iface, d.done, err = dev.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	inNum, outNum := -1, -1
	for _, ep := range d.iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		d.Close()
		return nil, ErrNoBulkEndpoints
	}
	in, err := d.iface.InEndpoint(inNum)
	if err != nil {
		d.Close()
		return nil, err
	}
	out, err := d.iface.OutEndpoint(outNum)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.in, d.out = in, out
	return d, nil
}

// Write sends b as one DEV_DEP_MSG_OUT transfer
func (d *Device) Write(b []byte) (int, error) {
	_, err := d.out.Write(frameOut(d.tags.next(), b))
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read requests a message from the device and copies its payload into p.
// Payload that does not fit is returned by the next Read.
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	tag := d.inflight
	if tag == 0 {
		tag = d.tags.next()
		term := byte(termChar)
		hdr := encBulkInHeader(tag, bufSize, &term)
		if _, err := d.out.Write(hdr[:]); err != nil {
			return 0, err
		}
		d.inflight = tag
	}
	buf := make([]byte, bufSize+headerSize+alignment)
	ctx, cancel := context.WithTimeout(context.Background(), readPoll)
	n, err := d.in.ReadContext(ctx, buf)
	expired := ctx.Err() != nil
	cancel()
	if n == 0 && expired {
		return 0, io.EOF
	}
	d.inflight = 0
	if err != nil {
		return 0, err
	}
	size, err := decBulkInHeader(buf[:n], tag)
	if err != nil {
		return 0, err
	}
	data := buf[headerSize:n]
	if size < len(data) {
		data = data[:size]
	}
	c := copy(p, data)
	d.pending = data[c:]
	return c, nil
}

// Close releases the interface, device, and libusb context
func (d *Device) Close() error {
	var err error
	if d.done != nil {
		d.done()
		d.done = nil
	}
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.ctx != nil {
		if err2 := d.ctx.Close(); err == nil {
			err = err2
		}
		d.ctx = nil
	}
	return err
}
