package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Modbus/TCP function codes and limits.
const (
	fnReadHolding = 0x03
	fnReadInput   = 0x04

	mbapHeaderLen   = 7
	maxReadQuantity = 125
)

// modbusExceptions maps exception codes to the device's fault text. The
// error-handler substring table keys off these strings.
var modbusExceptions = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "server device failure",
	0x05: "acknowledge",
	0x06: "server busy",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target failed to respond",
}

// ModbusClient is a Modbus/TCP transport. One socket, one in-flight request;
// concurrent callers are serialized on the internal mutex.
type ModbusClient struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
	txID uint16
}

// DialModbus connects to a Modbus/TCP device.
func DialModbus(ctx context.Context, cfg Config) (*ModbusClient, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("modbus dial %s: %w", cfg.Addr(), err)
	}
	return &ModbusClient{cfg: cfg, conn: conn}, nil
}

// Read fetches count words starting at address from the holding or input
// register file.
func (c *ModbusClient) Read(ctx context.Context, kind RegisterKind, address uint32, count uint16) ([]uint16, error) {
	if count == 0 || count > maxReadQuantity {
		return nil, fmt.Errorf("modbus read: invalid quantity %d", count)
	}
	if address > 0xFFFF {
		return nil, fmt.Errorf("modbus read: illegal data address %d", address)
	}
	fn := byte(fnReadHolding)
	if kind == KindInput {
		fn = fnReadInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.txID++
	req := make([]byte, mbapHeaderLen+5)
	binary.BigEndian.PutUint16(req[0:], c.txID)
	binary.BigEndian.PutUint16(req[2:], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:], 6) // remaining length
	req[6] = c.cfg.UnitID
	req[7] = fn
	binary.BigEndian.PutUint16(req[8:], uint16(address))
	binary.BigEndian.PutUint16(req[10:], count)

	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("modbus write: %w", err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("modbus read header: %w", err)
	}
	if got := binary.BigEndian.Uint16(header[0:]); got != c.txID {
		return nil, fmt.Errorf("modbus protocol error: transaction id mismatch (got %d, want %d)", got, c.txID)
	}
	if proto := binary.BigEndian.Uint16(header[2:]); proto != 0 {
		return nil, fmt.Errorf("modbus protocol error: unexpected protocol id %d", proto)
	}
	length := binary.BigEndian.Uint16(header[4:])
	if length < 2 || length > 256 {
		return nil, fmt.Errorf("malformed MBAP header: length %d", length)
	}

	pdu := make([]byte, length-1) // unit id already consumed in header
	if _, err := io.ReadFull(c.conn, pdu); err != nil {
		return nil, fmt.Errorf("modbus read pdu: %w", err)
	}

	if pdu[0] == fn|0x80 {
		if len(pdu) < 2 {
			return nil, fmt.Errorf("malformed exception response")
		}
		text, ok := modbusExceptions[pdu[1]]
		if !ok {
			text = fmt.Sprintf("exception code %#02x", pdu[1])
		}
		return nil, fmt.Errorf("modbus exception: %s", text)
	}
	if pdu[0] != fn {
		return nil, fmt.Errorf("modbus protocol error: function mismatch (got %#02x, want %#02x)", pdu[0], fn)
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("malformed read response: truncated PDU (%d bytes)", len(pdu))
	}
	byteCount := int(pdu[1])
	if byteCount != int(count)*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("malformed read response: byte count %d for quantity %d", byteCount, count)
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(pdu[2+2*i:])
	}
	return words, nil
}

// ReadMultiple reads and decodes each point. Points are issued in order; the
// caller groups contiguous addresses into single points where that pays off.
func (c *ModbusClient) ReadMultiple(ctx context.Context, points []Point) ([]PointValue, error) {
	out := make([]PointValue, 0, len(points))
	for _, p := range points {
		words, err := c.Read(ctx, p.Kind, p.Address, p.Type.WordCount())
		if err != nil {
			return out, fmt.Errorf("point %s: %w", p.Name, err)
		}
		v, err := Decode(p, words)
		if err != nil {
			return out, err
		}
		out = append(out, PointValue{Name: p.Name, Value: v, Unit: p.Unit})
	}
	return out, nil
}

// Probe checks liveness with a one-word holding read at address 0. A Modbus
// exception still proves the device is answering, so only transport-level
// failures count against the connection.
func (c *ModbusClient) Probe(ctx context.Context) error {
	_, err := c.Read(ctx, KindHolding, 0, 1)
	if err == nil || strings.HasPrefix(err.Error(), "modbus exception:") {
		return nil
	}
	return err
}

// Close closes the socket. Further reads fail.
func (c *ModbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *ModbusClient) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("modbus set deadline: %w", err)
	}
	return nil
}
