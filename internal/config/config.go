// Package config loads the agent's required environment configuration
// (§6), the device register map, and a YAML-cached bootstrap snapshot that
// survives a restart without network access to `/edge/init`.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// requiredKeys mirrors spec.md §6's required environment keys.
var requiredKeys = []string{
	"api_base_url",
	"MQTT_BROKER_HOST",
	"MQTT_BROKER_PORT",
	"group_id",
	"KEEP_ALIVE",
	"ingest_endpoint",
	"state_validation_endpoint",
	"modbus_validation_endpoint",
	"MQTT_USER",
	"MQTT_PASSWORD",
	"API_KEY",
}

// Env is the loaded, validated process environment.
type Env struct {
	APIBaseURL               string
	MQTTBrokerHost           string
	MQTTBrokerPort           int
	GroupID                  string
	KeepAliveSec             int
	IngestEndpoint           string
	StateValidationEndpoint  string
	ModbusValidationEndpoint string
	MQTTUser                 string
	MQTTPassword             string
	APIKey                   string

	EdgePiIP   string // optional
	LogLevel   string // optional
	LogToStdout bool  // optional
}

// LoadEnv reads every required key from the process environment and
// aborts with a single error listing every missing key, rather than
// failing on the first one found.
func LoadEnv(getenv func(string) string) (Env, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	values := make(map[string]string, len(requiredKeys))
	var missing []string
	for _, k := range requiredKeys {
		v, present := lookupEnv(getenv, k)
		if !present {
			missing = append(missing, k)
			continue
		}
		values[k] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Env{}, fmt.Errorf("config: missing required environment keys: %s", strings.Join(missing, ", "))
	}

	port, err := strconv.Atoi(values["MQTT_BROKER_PORT"])
	if err != nil {
		return Env{}, fmt.Errorf("config: MQTT_BROKER_PORT must be an integer: %w", err)
	}
	keepAlive, err := strconv.Atoi(values["KEEP_ALIVE"])
	if err != nil {
		return Env{}, fmt.Errorf("config: KEEP_ALIVE must be an integer: %w", err)
	}

	return Env{
		APIBaseURL:               values["api_base_url"],
		MQTTBrokerHost:           values["MQTT_BROKER_HOST"],
		MQTTBrokerPort:           port,
		GroupID:                  values["group_id"],
		KeepAliveSec:             keepAlive,
		IngestEndpoint:           values["ingest_endpoint"],
		StateValidationEndpoint:  values["state_validation_endpoint"],
		ModbusValidationEndpoint: values["modbus_validation_endpoint"],
		MQTTUser:                 values["MQTT_USER"],
		MQTTPassword:             values["MQTT_PASSWORD"],
		APIKey:                   values["API_KEY"],
		EdgePiIP:                 getenv("EDGE_PI_IP"),
		LogLevel:                 getenv("LOG_LEVEL"),
		LogToStdout:              strings.EqualFold(getenv("LOG_TO_STDOUT"), "true"),
	}, nil
}

// lookupEnv reports whether key is set, even to the empty string (MQTT_USER
// and MQTT_PASSWORD may legitimately be empty per spec.md §6).
func lookupEnv(getenv func(string) string, key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	// getenv is honored for keys a caller has pre-seeded (tests); real
	// startup always goes through os.LookupEnv above.
	if v := getenv(key); v != "" {
		return v, true
	}
	return "", false
}
