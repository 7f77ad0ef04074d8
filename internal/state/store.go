package state

import (
	"sync"
	"time"
)

// Store is the single source of truth for settings, per-unit config, and
// tasks. All mutation goes through its methods under one lock; reads
// return defensively copied values so callers never hold a live reference
// into the store's internals across a tick.
type Store struct {
	mu sync.RWMutex

	location        *time.Location
	fallbackMaxDays int

	settings      GlobalSettings
	commsSettings map[string]string
	batteryConfig map[string]UnitConfig

	tasksStatic  map[string]StaticTask
	tasksDynamic map[string]map[Date]DynamicTask
}

// Options configures a Store.
type Options struct {
	Location        *time.Location // defaults to Europe/London per the operator-timezone convention
	FallbackMaxDays int            // defaults to 2
}

// New builds an empty Store.
func New(opts Options) *Store {
	loc := opts.Location
	if loc == nil {
		if l, err := time.LoadLocation("Europe/London"); err == nil {
			loc = l
		} else {
			loc = time.UTC
		}
	}
	maxDays := opts.FallbackMaxDays
	if maxDays <= 0 {
		maxDays = 2
	}
	return &Store{
		location:        loc,
		fallbackMaxDays: maxDays,
		commsSettings:   make(map[string]string),
		batteryConfig:   make(map[string]UnitConfig),
		tasksStatic:     make(map[string]StaticTask),
		tasksDynamic:    make(map[string]map[Date]DynamicTask),
	}
}

// Now returns the current time in the store's operator timezone.
func (s *Store) Now(clockNow time.Time) time.Time {
	return clockNow.In(s.location)
}

// Today returns the calendar date for clockNow in the operator timezone.
func (s *Store) Today(clockNow time.Time) Date {
	return DateOf(s.Now(clockNow))
}

// UpdateSettings replaces the global settings wholesale.
func (s *Store) UpdateSettings(settings GlobalSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Settings returns a copy of the current global settings.
func (s *Store) Settings() GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateCommsSettings replaces the comms settings wholesale.
func (s *Store) UpdateCommsSettings(m map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.commsSettings = cp
}

// CommsSetting returns one comms setting, and whether it was present.
func (s *Store) CommsSetting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.commsSettings[key]
	return v, ok
}

// UpdateBattery upserts a unit's configuration.
func (s *Store) UpdateBattery(consusID string, cfg UnitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.ConsusID = consusID
	s.batteryConfig[consusID] = cfg
}

// RemoveBattery drops a unit's configuration and tasks.
func (s *Store) RemoveBattery(consusID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batteryConfig, consusID)
	delete(s.tasksStatic, consusID)
	delete(s.tasksDynamic, consusID)
}

// BatteryConfig returns a copy of one unit's config, and whether it exists.
func (s *Store) BatteryConfig(consusID string) (UnitConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.batteryConfig[consusID]
	return cfg, ok
}

// BatteryConfigs returns a snapshot of every known unit's config.
func (s *Store) BatteryConfigs() map[string]UnitConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]UnitConfig, len(s.batteryConfig))
	for k, v := range s.batteryConfig {
		out[k] = v
	}
	return out
}
