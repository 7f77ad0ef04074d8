// Package fieldbus is the Modbus-TCP field-bus adapter: named register
// read/write over a device-specific register map, routed through the
// write guard.
package fieldbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/consus-energy/edge-agent/internal/writeguard"
	"github.com/goburrow/modbus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultIOTimeout = 2 * time.Second

var tracer = otel.Tracer("github.com/consus-energy/edge-agent/internal/fieldbus")

// Client is the subset of goburrow/modbus.Client this adapter drives,
// narrowed for testability.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// handle owns the TCP connection lifecycle; it is the concrete production
// Client plus its Connect/Close methods, which the narrow Client interface
// above deliberately omits so fakes don't need to implement them.
type handle interface {
	Client
	Connect() error
	Close() error
}

type tcpHandle struct {
	h      *modbus.TCPClientHandler
	client modbus.Client
}

func (t *tcpHandle) Connect() error { return t.h.Connect() }
func (t *tcpHandle) Close() error   { return t.h.Close() }
func (t *tcpHandle) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}
func (t *tcpHandle) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return t.client.WriteSingleRegister(address, value)
}

// Adapter is a per-unit Modbus-TCP connection plus its register map.
type Adapter struct {
	consusID string
	addr     string
	unitID   byte
	timeout  time.Duration

	regMap *RegisterMap
	guard  *writeguard.Guard

	mu        sync.Mutex
	conn      handle
	connected bool

	dial func(addr string, unitID byte, timeout time.Duration) (handle, error)
}

// Config describes how to reach one unit's Modbus-TCP endpoint.
type Config struct {
	ConsusID string
	Host     string
	Port     int
	UnitID   byte
	Timeout  time.Duration
}

// New builds an Adapter. The connection is not established until the first
// Connect call (or the first Read/Write, which connects lazily).
func New(cfg Config, regMap *RegisterMap, guard *writeguard.Guard) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultIOTimeout
	}
	unitID := cfg.UnitID
	if unitID == 0 {
		unitID = 1
	}
	return &Adapter{
		consusID: cfg.ConsusID,
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		unitID:   unitID,
		timeout:  timeout,
		regMap:   regMap,
		guard:    guard,
		dial:     dialTCP,
	}
}

func dialTCP(addr string, unitID byte, timeout time.Duration) (handle, error) {
	h := modbus.NewTCPClientHandler(addr)
	h.SlaveId = unitID
	h.Timeout = timeout
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &tcpHandle{h: h, client: modbus.NewClient(h)}, nil
}

// Connect establishes the TCP connection. It is idempotent.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	conn, err := a.dial(a.addr, a.unitID, a.timeout)
	if err != nil {
		return fmt.Errorf("fieldbus: connect %s: %w", a.addr, err)
	}
	a.conn = conn
	a.connected = true
	return nil
}

// Disconnect closes the TCP connection. Safe to call multiple times.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.connected = false
	a.conn = nil
	return err
}

func (a *Adapter) ensureConnected() (handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return a.conn, nil
	}
	conn, err := a.dial(a.addr, a.unitID, a.timeout)
	if err != nil {
		return nil, fmt.Errorf("fieldbus: connect %s: %w", a.addr, err)
	}
	a.conn = conn
	a.connected = true
	return a.conn, nil
}

// Read resolves name to its address and returns its sign-extended value.
func (a *Adapter) Read(ctx context.Context, name string) (int64, error) {
	ctx, span := tracer.Start(ctx, "fieldbus.Read", trace.WithAttributes(
		attribute.String("consus_id", a.consusID), attribute.String("register", name)))
	defer span.End()
	value, err := a.read(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

func (a *Adapter) read(ctx context.Context, name string) (int64, error) {
	reg, ok := a.regMap.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("fieldbus: unknown register %q", name)
	}
	conn, err := a.ensureConnected()
	if err != nil {
		return 0, err
	}
	raw, err := conn.ReadHoldingRegisters(reg.Address, 1)
	if err != nil {
		return 0, fmt.Errorf("fieldbus: read %s (addr %d): %w", name, reg.Address, err)
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("fieldbus: short read for %s", name)
	}
	value := int64(raw[0])<<8 | int64(raw[1])
	if reg.Signed && value > 32767 {
		value -= 65536
	}
	return value, nil
}

// Write resolves name, checks it is a 16-bit integer type, and routes the
// write through the write guard.
func (a *Adapter) Write(ctx context.Context, name string, value int64) (accepted bool, err error) {
	ctx, span := tracer.Start(ctx, "fieldbus.Write", trace.WithAttributes(
		attribute.String("consus_id", a.consusID), attribute.String("register", name)))
	defer span.End()
	accepted, err = a.write(ctx, name, value)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("accepted", accepted))
	return accepted, err
}

func (a *Adapter) write(ctx context.Context, name string, value int64) (accepted bool, err error) {
	reg, ok := a.regMap.Lookup(name)
	if !ok {
		return false, fmt.Errorf("fieldbus: unknown register %q", name)
	}
	if reg.Type != TypeInt16 && reg.Type != TypeUint16 {
		return false, fmt.Errorf("fieldbus: unsupported write type %q for %s", reg.Type, name)
	}
	conn, err := a.ensureConnected()
	if err != nil {
		return false, err
	}
	return a.guard.Attempt(ctx, name, int(reg.Address), int(value), func() error {
		_, werr := conn.WriteSingleRegister(reg.Address, uint16(value))
		if werr != nil {
			return fmt.Errorf("fieldbus: write %s (addr %d): %w", name, reg.Address, werr)
		}
		return nil
	})
}

// ReadAll reads every read-partition register, skipping PV-related names
// when includePV is false. Individual failures record a nil value and the
// scan continues.
func (a *Adapter) ReadAll(ctx context.Context, includePV bool) map[string]*int64 {
	out := make(map[string]*int64, len(a.regMap.ReadRegisters))
	for _, reg := range a.regMap.ReadRegisters {
		if !includePV && IsPVRegister(reg.Name) {
			continue
		}
		v, err := a.Read(ctx, reg.Name)
		if err != nil {
			out[reg.Name] = nil
			continue
		}
		vv := v
		out[reg.Name] = &vv
	}
	return out
}
