// Package transport implements the protocol-specific device clients:
// Modbus/TCP and BACnet/IP. Each client owns one socket and serializes
// requests internally; single-owner access across goroutines is the
// connection pool's job.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
)

// RegisterKind selects the register file a point is read from.
type RegisterKind string

const (
	KindHolding RegisterKind = "holding"
	KindInput   RegisterKind = "input"
)

// ValueType is the numeric encoding of a point's raw words.
type ValueType string

const (
	TypeU16     ValueType = "u16"
	TypeU32     ValueType = "u32"
	TypeFloat32 ValueType = "float32"
)

// WordCount returns how many 16-bit words the type occupies.
func (t ValueType) WordCount() uint16 {
	if t == TypeU16 {
		return 1
	}
	return 2
}

// WordOrder is the order of 16-bit words in multi-word values.
type WordOrder string

const (
	WordHiLo WordOrder = "HI_LO"
	WordLoHi WordOrder = "LO_HI"
)

// ByteOrder is the byte endianness within each 16-bit word.
type ByteOrder string

const (
	ByteBE ByteOrder = "BE"
	ByteLE ByteOrder = "LE"
)

// Point is one value to read from a device.
type Point struct {
	Name      string
	Kind      RegisterKind
	Address   uint32 // effective register number / BACnet object instance
	Type      ValueType
	Scale     float64 // divisor, default 1
	WordOrder WordOrder
	ByteOrder ByteOrder
	Unit      string
}

// PointValue is one decoded reading.
type PointValue struct {
	Name  string
	Value float64
	Unit  string
}

// Conn is a single device connection. Implementations serialize concurrent
// callers internally; BACnet and Modbus/TCP are strictly request/response.
type Conn interface {
	// Read fetches count raw 16-bit words starting at address.
	Read(ctx context.Context, kind RegisterKind, address uint32, count uint16) ([]uint16, error)
	// ReadMultiple reads and decodes a set of points in one pass.
	ReadMultiple(ctx context.Context, points []Point) ([]PointValue, error)
	// Probe checks device liveness cheaply.
	Probe(ctx context.Context) error
	Close() error
}

// Config identifies a device endpoint. It doubles as the pool's connection
// key, so it must stay comparable.
type Config struct {
	Protocol model.Protocol
	Host     string
	Port     int
	UnitID   uint8
	Timeout  time.Duration
	// BindAddr pins the local address of BACnet UDP sockets to one
	// interface on multi-homed hosts. Empty means any.
	BindAddr string
}

// Addr returns host:port for dialing.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dial opens a transport connection for the configured protocol.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	switch cfg.Protocol {
	case model.ProtocolModbus:
		return DialModbus(ctx, cfg)
	case model.ProtocolBACnet:
		return DialBACnet(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
}
