package fieldbus

import (
	"context"
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/writeguard"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	regs map[uint16]uint16
}

func (f *fakeHandle) Connect() error { return nil }
func (f *fakeHandle) Close() error   { return nil }
func (f *fakeHandle) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	v := f.regs[address]
	return []byte{byte(v >> 8), byte(v)}, nil
}
func (f *fakeHandle) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.regs[address] = value
	return nil, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeHandle) {
	t.Helper()
	rm := &RegisterMap{
		ReadRegisters: []Register{
			{Name: "battery_soc", Address: 37007, Type: TypeUint16},
			{Name: "signed_temp", Address: 40010, Type: TypeInt16, Signed: true},
		},
		WriteRegisters: []Register{
			{Name: "ems_power_set", Address: 40001, Type: TypeInt16, Signed: true},
		},
	}
	rm.index()
	fc := clock.NewFake(time.Unix(0, 0))
	guard := writeguard.New(fc, nil, nil)
	a := New(Config{ConsusID: "u1", Host: "10.0.0.1", Port: 502}, rm, guard)
	fh := &fakeHandle{regs: map[uint16]uint16{37007: 55, 40010: 65500}}
	a.dial = func(addr string, unitID byte, timeout time.Duration) (handle, error) { return fh, nil }
	return a, fh
}

func TestReadSignExtension(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	v, err := a.Read(ctx, "battery_soc")
	require.NoError(t, err)
	require.Equal(t, int64(55), v)

	v, err = a.Read(ctx, "signed_temp")
	require.NoError(t, err)
	require.Equal(t, int64(65500)-65536, v, "values above 0x7FFF must sign-extend")
}

func TestWriteRoutesThroughGuard(t *testing.T) {
	a, fh := newTestAdapter(t)
	ctx := context.Background()

	ok, err := a.Write(ctx, "ems_power_set", 1500)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(1500), fh.regs[40001])

	ok, err = a.Write(ctx, "ems_power_set", 1500)
	require.NoError(t, err)
	require.False(t, ok, "identical value must be deduped by the write guard")
}

func TestReadAllSkipsPVWhenDisabled(t *testing.T) {
	rm := &RegisterMap{
		ReadRegisters: []Register{
			{Name: "pv1_power", Address: 1, Type: TypeUint16},
			{Name: "battery_soc", Address: 2, Type: TypeUint16},
		},
	}
	rm.index()
	fc := clock.NewFake(time.Unix(0, 0))
	guard := writeguard.New(fc, nil, nil)
	a := New(Config{ConsusID: "u1", Host: "10.0.0.1", Port: 502}, rm, guard)
	fh := &fakeHandle{regs: map[uint16]uint16{1: 10, 2: 50}}
	a.dial = func(addr string, unitID byte, timeout time.Duration) (handle, error) { return fh, nil }

	out := a.ReadAll(context.Background(), false)
	_, hasPV := out["pv1_power"]
	require.False(t, hasPV)
	require.NotNil(t, out["battery_soc"])
}

func TestIsPVRegister(t *testing.T) {
	cases := map[string]bool{
		"pv1_power":        true,
		"pv_total":         true,
		"mppt_power_1":     true,
		"ct2_active_power": true,
		"battery_soc":      false,
		"":                 false,
	}
	for name, want := range cases {
		if got := IsPVRegister(name); got != want {
			t.Errorf("IsPVRegister(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRegisterMapLookup(t *testing.T) {
	rm := &RegisterMap{
		ReadRegisters:  []Register{{Name: "battery_soc", Address: 37007, Type: TypeUint16}},
		WriteRegisters: []Register{{Name: "ems_power_set", Address: 40001, Type: TypeInt16, Signed: true}},
	}
	rm.index()

	if _, ok := rm.Lookup("battery_soc"); !ok {
		t.Fatal("expected battery_soc to resolve")
	}
	if _, ok := rm.Lookup("ems_power_set"); !ok {
		t.Fatal("expected ems_power_set to resolve")
	}
	if _, ok := rm.Lookup("nonexistent"); ok {
		t.Fatal("expected nonexistent register to miss")
	}
}
