package fieldbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RegisterType is the wire type of a holding register.
type RegisterType string

const (
	TypeInt16  RegisterType = "int16"
	TypeUint16 RegisterType = "uint16"
)

// Register describes one named holding register.
type Register struct {
	Name    string       `json:"name"`
	Address uint16       `json:"address"`
	Type    RegisterType `json:"type"`
	Signed  bool         `json:"signed"`
	Unit    string       `json:"unit,omitempty"`
}

// RegisterMap is the read/write partition loaded from the device-specific
// register map file.
type RegisterMap struct {
	ReadRegisters  []Register `json:"read_registers"`
	WriteRegisters []Register `json:"write_registers"`

	byName map[string]Register
}

// LoadRegisterMap reads and flattens a register map JSON file.
func LoadRegisterMap(path string) (*RegisterMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fieldbus: read register map: %w", err)
	}
	var rm RegisterMap
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, fmt.Errorf("fieldbus: parse register map: %w", err)
	}
	rm.index()
	return &rm, nil
}

func (rm *RegisterMap) index() {
	rm.byName = make(map[string]Register, len(rm.ReadRegisters)+len(rm.WriteRegisters))
	for _, r := range rm.ReadRegisters {
		rm.byName[r.Name] = r
	}
	for _, r := range rm.WriteRegisters {
		rm.byName[r.Name] = r
	}
}

// Lookup resolves a register by name.
func (rm *RegisterMap) Lookup(name string) (Register, bool) {
	r, ok := rm.byName[name]
	return r, ok
}

// IsPVRegister matches the naming heuristic used to skip PV-related
// registers when PV is disabled: prefix "pv", prefix "mppt_power_", or
// exactly "ct2_active_power".
func IsPVRegister(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "pv") {
		return true
	}
	if strings.HasPrefix(name, "mppt_power_") {
		return true
	}
	return name == "ct2_active_power"
}
