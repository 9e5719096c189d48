package transport

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gridwatch/gridwatch/internal/model"
)

// fakeModbus wires a ModbusClient to an in-memory peer that answers each
// request with respond(request).
func fakeModbus(t *testing.T, respond func(req []byte) []byte) *ModbusClient {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	go func() {
		buf := make([]byte, 260)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			resp := respond(buf[:n])
			if resp == nil {
				return
			}
			if _, err := server.Write(resp); err != nil {
				return
			}
		}
	}()

	c := &ModbusClient{
		cfg:  Config{Protocol: model.ProtocolModbus, Host: "test", Port: 502, UnitID: 1, Timeout: 2 * time.Second},
		conn: client,
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func modbusReadResponse(req []byte, fn byte, words []uint16) []byte {
	resp := make([]byte, mbapHeaderLen+2+2*len(words))
	copy(resp[0:2], req[0:2]) // echo transaction id
	binary.BigEndian.PutUint16(resp[4:], uint16(3+2*len(words)))
	resp[6] = req[6]
	resp[7] = fn
	resp[8] = byte(2 * len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(resp[9+2*i:], w)
	}
	return resp
}

func modbusException(req []byte, fn, code byte) []byte {
	resp := make([]byte, mbapHeaderLen+2)
	copy(resp[0:2], req[0:2])
	binary.BigEndian.PutUint16(resp[4:], 3)
	resp[6] = req[6]
	resp[7] = fn | 0x80
	resp[8] = code
	return resp
}

func TestModbusReadHoldingRegisters(t *testing.T) {
	var gotReq []byte
	c := fakeModbus(t, func(req []byte) []byte {
		gotReq = append([]byte(nil), req...)
		return modbusReadResponse(req, fnReadHolding, []uint16{0x1234, 0x5678})
	})

	words, err := c.Read(context.Background(), KindHolding, 1100, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 2 || words[0] != 0x1234 || words[1] != 0x5678 {
		t.Fatalf("words = %v", words)
	}

	if gotReq[7] != fnReadHolding {
		t.Fatalf("function = %#02x", gotReq[7])
	}
	if addr := binary.BigEndian.Uint16(gotReq[8:]); addr != 1100 {
		t.Fatalf("address = %d", addr)
	}
	if qty := binary.BigEndian.Uint16(gotReq[10:]); qty != 2 {
		t.Fatalf("quantity = %d", qty)
	}
}

func TestModbusInputRegistersUseFn04(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte {
		if req[7] != fnReadInput {
			t.Errorf("function = %#02x, want %#02x", req[7], fnReadInput)
		}
		return modbusReadResponse(req, fnReadInput, []uint16{7})
	})
	if _, err := c.Read(context.Background(), KindInput, 30001, 1); err != nil {
		t.Fatal(err)
	}
}

func TestModbusExceptionText(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte {
		return modbusException(req, fnReadHolding, 0x02)
	})
	_, err := c.Read(context.Background(), KindHolding, 9999, 1)
	if err == nil || !strings.Contains(err.Error(), "illegal data address") {
		t.Fatalf("err = %v", err)
	}
}

func TestModbusTransactionIDMismatch(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte {
		resp := modbusReadResponse(req, fnReadHolding, []uint16{1})
		binary.BigEndian.PutUint16(resp[0:], 0xBEEF)
		return resp
	})
	_, err := c.Read(context.Background(), KindHolding, 0, 1)
	if err == nil || !strings.Contains(err.Error(), "transaction id mismatch") {
		t.Fatalf("err = %v", err)
	}
}

func TestModbusProbeTreatsExceptionAsAlive(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte {
		return modbusException(req, fnReadHolding, 0x02)
	})
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("probe failed on exception response: %v", err)
	}
}

func TestModbusProbeFailsOnDeadPeer(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Probe(ctx); err == nil {
		t.Fatal("probe succeeded against silent peer")
	}
}

func TestModbusTruncatedPDUIsError(t *testing.T) {
	// MBAP length 2 means the PDU is just the echoed function code with no
	// byte count; the client must fail, not index past the buffer.
	c := fakeModbus(t, func(req []byte) []byte {
		resp := make([]byte, mbapHeaderLen+1)
		copy(resp[0:2], req[0:2])
		binary.BigEndian.PutUint16(resp[4:], 2)
		resp[6] = req[6]
		resp[7] = fnReadHolding
		return resp
	})
	_, err := c.Read(context.Background(), KindHolding, 0, 1)
	if err == nil || !strings.Contains(err.Error(), "malformed read response") {
		t.Fatalf("err = %v", err)
	}
}

func TestModbusRejectsBadQuantity(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte { return nil })
	if _, err := c.Read(context.Background(), KindHolding, 0, 0); err == nil {
		t.Fatal("accepted quantity 0")
	}
	if _, err := c.Read(context.Background(), KindHolding, 0, maxReadQuantity+1); err == nil {
		t.Fatal("accepted oversize quantity")
	}
}

func TestModbusReadMultipleDecodes(t *testing.T) {
	c := fakeModbus(t, func(req []byte) []byte {
		return modbusReadResponse(req, fnReadHolding, []uint16{0x0001, 0x86A0})
	})
	points := []Point{{Name: "energy_kwh", Kind: KindHolding, Address: 1100, Type: TypeU32, Scale: 100, Unit: "kWh"}}
	vals, err := c.ReadMultiple(context.Background(), points)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || vals[0].Value != 1000 || vals[0].Name != "energy_kwh" {
		t.Fatalf("vals = %+v", vals)
	}
}
