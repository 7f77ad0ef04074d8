package config

import "github.com/consus-energy/edge-agent/internal/fieldbus"

// LoadRegisterMap loads the device register map JSON file. It is a thin
// re-export so callers only need to import internal/config for every
// startup-time file load, rather than reaching into internal/fieldbus
// directly for this one call.
func LoadRegisterMap(path string) (*fieldbus.RegisterMap, error) {
	return fieldbus.LoadRegisterMap(path)
}
