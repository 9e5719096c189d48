package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"
)

// BACnet/IP framing constants. The client speaks original-unicast BVLL with
// unsegmented confirmed ReadProperty requests against AnalogInput objects:
// the object instance is the meter's effective register number.
const (
	bvlcType            = 0x81
	bvlcOriginalUnicast = 0x0A

	npduVersion       = 0x01
	npduExpectReply   = 0x04
	apduConfirmedReq  = 0x00
	apduComplexAck    = 0x30
	apduError         = 0x50
	apduReject        = 0x60
	apduAbort         = 0x70
	serviceReadProp   = 0x0C
	maxAPDU1476       = 0x05
	objectAnalogInput = 0
	propPresentValue  = 85
)

// bacnetErrorCodes covers the error codes meters actually return; anything
// else is reported numerically.
var bacnetErrorCodes = map[uint32]string{
	31: "unknown-object",
	32: "unknown-property",
	25: "device-busy",
	27: "invalid-array-index",
}

// BACnetClient is a BACnet/IP transport over a connected UDP socket. One
// in-flight request at a time, serialized internally.
type BACnetClient struct {
	cfg      Config
	mu       sync.Mutex
	conn     net.Conn
	invokeID uint8
}

// DialBACnet opens a UDP socket to a BACnet/IP device.
func DialBACnet(ctx context.Context, cfg Config) (*BACnetClient, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	if cfg.BindAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindAddr, "0"))
		if err != nil {
			return nil, fmt.Errorf("bacnet bind %s: %w", cfg.BindAddr, err)
		}
		d.LocalAddr = laddr
	}
	conn, err := d.DialContext(ctx, "udp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("bacnet dial %s: %w", cfg.Addr(), err)
	}
	return &BACnetClient{cfg: cfg, conn: conn}, nil
}

// readPresentValue issues a ReadProperty(AnalogInput[instance], PresentValue)
// and returns the decoded value.
func (c *BACnetClient) readPresentValue(ctx context.Context, instance uint32) (float64, error) {
	if instance > 0x3FFFFF {
		return 0, fmt.Errorf("bacnet: object instance %d out of range", instance)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.invokeID++
	req := c.encodeReadProperty(c.invokeID, instance)

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("bacnet set deadline: %w", err)
	}
	if _, err := c.conn.Write(req); err != nil {
		return 0, fmt.Errorf("bacnet write: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("bacnet read: %w", err)
		}
		v, match, err := c.decodeResponse(buf[:n], c.invokeID)
		if err != nil {
			return 0, err
		}
		if match {
			return v, nil
		}
		// Stale datagram from an earlier timed-out request; keep reading
		// until the deadline.
	}
}

func (c *BACnetClient) encodeReadProperty(invokeID uint8, instance uint32) []byte {
	apdu := []byte{
		apduConfirmedReq,
		maxAPDU1476,
		invokeID,
		serviceReadProp,
	}
	// Context tag 0: object identifier (4 bytes).
	objID := uint32(objectAnalogInput)<<22 | instance
	apdu = append(apdu, 0x0C)
	apdu = binary.BigEndian.AppendUint32(apdu, objID)
	// Context tag 1: property identifier (1 byte).
	apdu = append(apdu, 0x19, propPresentValue)

	npdu := []byte{npduVersion, npduExpectReply}
	frame := make([]byte, 0, 4+len(npdu)+len(apdu))
	frame = append(frame, bvlcType, bvlcOriginalUnicast)
	frame = binary.BigEndian.AppendUint16(frame, uint16(4+len(npdu)+len(apdu)))
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)
	return frame
}

// decodeResponse parses one datagram. match is false for replies to other
// invoke ids (stale responses after a timeout).
func (c *BACnetClient) decodeResponse(frame []byte, invokeID uint8) (float64, bool, error) {
	if len(frame) < 6 || frame[0] != bvlcType {
		return 0, false, fmt.Errorf("bacnet protocol error: bad BVLC header")
	}
	if frame[1] != bvlcOriginalUnicast {
		return 0, false, fmt.Errorf("bacnet protocol error: unexpected BVLC function %#02x", frame[1])
	}
	if int(binary.BigEndian.Uint16(frame[2:])) != len(frame) {
		return 0, false, fmt.Errorf("malformed BVLC length")
	}
	// NPDU: version + control; control bit 5 (network message) unsupported.
	npdu := frame[4:]
	if len(npdu) < 2 || npdu[0] != npduVersion {
		return 0, false, fmt.Errorf("bacnet protocol error: bad NPDU version")
	}
	if npdu[1]&0x80 != 0 {
		return 0, false, fmt.Errorf("bacnet protocol error: network-layer message")
	}
	apdu := npdu[2:]
	if len(apdu) < 3 {
		return 0, false, fmt.Errorf("malformed APDU")
	}

	switch apdu[0] & 0xF0 {
	case apduComplexAck:
		if apdu[1] != invokeID {
			return 0, false, nil
		}
		if apdu[2] != serviceReadProp {
			return 0, false, fmt.Errorf("bacnet protocol error: service mismatch %#02x", apdu[2])
		}
		v, err := decodeReadPropertyAck(apdu[3:])
		return v, true, err
	case apduError:
		if apdu[1] != invokeID {
			return 0, false, nil
		}
		return 0, true, decodeErrorPDU(apdu[3:])
	case apduReject:
		if apdu[1] != invokeID {
			return 0, false, nil
		}
		return 0, true, fmt.Errorf("bacnet reject: reason %d", apdu[2])
	case apduAbort:
		if apdu[1] != invokeID {
			return 0, false, nil
		}
		return 0, true, fmt.Errorf("bacnet abort: reason %d", apdu[2])
	default:
		return 0, false, fmt.Errorf("bacnet protocol error: unexpected PDU type %#02x", apdu[0])
	}
}

// decodeReadPropertyAck walks the ack body: tag0 object id, tag1 property,
// tag3 opening / application-tagged value / closing.
func decodeReadPropertyAck(body []byte) (float64, error) {
	i := 0
	// Context tag 0: object identifier.
	if len(body) < i+5 || body[i] != 0x0C {
		return 0, fmt.Errorf("malformed ack: object identifier")
	}
	i += 5
	// Context tag 1: property identifier (1 or 2 byte value).
	if len(body) < i+2 || body[i]&0xF8 != 0x18 {
		return 0, fmt.Errorf("malformed ack: property identifier")
	}
	i += 1 + int(body[i]&0x07)
	// Optional context tag 2: array index.
	if len(body) > i && body[i]&0xF8 == 0x28 {
		i += 1 + int(body[i]&0x07)
	}
	// Context tag 3 opening.
	if len(body) <= i || body[i] != 0x3E {
		return 0, fmt.Errorf("malformed ack: missing value tag")
	}
	i++

	if len(body) <= i {
		return 0, fmt.Errorf("malformed ack: empty value")
	}
	tag := body[i]
	tagNum := tag >> 4
	length := int(tag & 0x07)
	i++
	switch tagNum {
	case 0x2: // unsigned
		if len(body) < i+length || length == 0 || length > 4 {
			return 0, fmt.Errorf("malformed ack: unsigned length %d", length)
		}
		var v uint32
		for _, b := range body[i : i+length] {
			v = v<<8 | uint32(b)
		}
		return float64(v), nil
	case 0x4: // real
		if length != 4 || len(body) < i+4 {
			return 0, fmt.Errorf("malformed ack: real length %d", length)
		}
		f := math.Float32frombits(binary.BigEndian.Uint32(body[i:]))
		return float64(f), nil
	default:
		return 0, fmt.Errorf("bacnet protocol error: unsupported value tag %d", tagNum)
	}
}

func decodeErrorPDU(body []byte) error {
	// Error class and code are application-tagged enumerated values.
	vals := make([]uint32, 0, 2)
	i := 0
	for i < len(body) && len(vals) < 2 {
		length := int(body[i] & 0x07)
		i++
		if length == 0 || length > 4 || len(body) < i+length {
			break
		}
		var v uint32
		for _, b := range body[i : i+length] {
			v = v<<8 | uint32(b)
		}
		vals = append(vals, v)
		i += length
	}
	if len(vals) == 2 {
		if text, ok := bacnetErrorCodes[vals[1]]; ok {
			return fmt.Errorf("bacnet error: %s", text)
		}
		return fmt.Errorf("bacnet error: class=%d code=%d", vals[0], vals[1])
	}
	return fmt.Errorf("bacnet error: malformed error PDU")
}

// Read satisfies the word-oriented interface by packing the present value
// into float32 words (HI_LO, big-endian), so Decode round-trips it.
func (c *BACnetClient) Read(ctx context.Context, _ RegisterKind, address uint32, count uint16) ([]uint16, error) {
	if count != 2 {
		return nil, fmt.Errorf("bacnet read: count must be 2 (float32 words), got %d", count)
	}
	v, err := c.readPresentValue(ctx, address)
	if err != nil {
		return nil, err
	}
	bits := math.Float32bits(float32(v))
	return []uint16{uint16(bits >> 16), uint16(bits)}, nil
}

// ReadMultiple reads each point's present value. Value type and word order
// do not apply to BACnet (the wire value is already typed); only the scale
// divisor is honored.
func (c *BACnetClient) ReadMultiple(ctx context.Context, points []Point) ([]PointValue, error) {
	out := make([]PointValue, 0, len(points))
	for _, p := range points {
		v, err := c.readPresentValue(ctx, p.Address)
		if err != nil {
			return out, fmt.Errorf("point %s: %w", p.Name, err)
		}
		scale := p.Scale
		if scale == 0 {
			scale = 1
		}
		out = append(out, PointValue{Name: p.Name, Value: v / scale, Unit: p.Unit})
	}
	return out, nil
}

// Probe reads AnalogInput[0]. A device-level error PDU still proves the
// device is answering; only transport failures fail the probe.
func (c *BACnetClient) Probe(ctx context.Context) error {
	_, err := c.readPresentValue(ctx, 0)
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "bacnet error:") || strings.HasPrefix(msg, "bacnet reject:") || strings.HasPrefix(msg, "bacnet abort:") {
		return nil
	}
	return err
}

// Close closes the UDP socket.
func (c *BACnetClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
