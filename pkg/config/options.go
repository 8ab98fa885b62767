package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrRange        = errors.New("config: value out of range")
	ErrKeyLength    = errors.New("config: security key must be 16 bytes")
	ErrDuplicateKey = errors.New("config: security keys must be distinct")
	ErrCallbacks    = errors.New("config: inclusion callbacks must be set together")
)

// Throttle presets for the storage flush window.
type Throttle string

const (
	ThrottleSlow   Throttle = "slow"
	ThrottleNormal Throttle = "normal"
	ThrottleFast   Throttle = "fast"
)

// Window returns the flush coalescing window for the preset.
func (t Throttle) Window() time.Duration {
	switch t {
	case ThrottleSlow:
		return 1000 * time.Millisecond
	case ThrottleFast:
		return 0
	default:
		return 150 * time.Millisecond
	}
}

// Timeouts are the driver wait budgets.
type Timeouts struct {
	ACK              Duration `yaml:"ack"`
	Byte             Duration `yaml:"byte"`
	Response         Duration `yaml:"response"`
	Report           Duration `yaml:"report"`
	Nonce            Duration `yaml:"nonce"`
	SendDataCallback Duration `yaml:"sendDataCallback"`
	SerialAPIStarted Duration `yaml:"serialAPIStarted"`
}

// Attempts are the driver retry budgets.
type Attempts struct {
	OpenSerialPort int `yaml:"openSerialPort"`
	Controller     int `yaml:"controller"`
	SendData       int `yaml:"sendData"`
	NodeInterview  int `yaml:"nodeInterview"`
}

// Key is a 16-byte network key, hex-encoded in YAML.
type Key []byte

var _ yaml.Unmarshaler = (*Key)(nil)

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Key) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: key: %w", err)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("config: key: %w", err)
	}
	*k = raw
	return nil
}

// SecurityKeys hold one network key per security class.
type SecurityKeys struct {
	S0Legacy          Key `yaml:"S0_Legacy"`
	S2Unauthenticated Key `yaml:"S2_Unauthenticated"`
	S2Authenticated   Key `yaml:"S2_Authenticated"`
	S2AccessControl   Key `yaml:"S2_AccessControl"`
}

// Storage configures the network cache location and flush cadence.
type Storage struct {
	CacheDir string   `yaml:"cacheDir"`
	Throttle Throttle `yaml:"throttle"`

	// LockDir overrides where the single-instance lock file lives.
	// Empty means alongside the cache.
	LockDir string `yaml:"lockDir"`

	// ClearCache wipes the caches on open.
	ClearCache bool `yaml:"clearCache"`
}

// InclusionUserCallbacks are the interactive hooks S2 inclusion needs.
// All three must be provided together.
type InclusionUserCallbacks struct {
	GrantSecurityClasses   func(requested []string) []string
	ValidateDSKAndEnterPIN func(dsk string) string
	Abort                  func()
}

func (c *InclusionUserCallbacks) empty() bool {
	return c.GrantSecurityClasses == nil && c.ValidateDSKAndEnterPIN == nil && c.Abort == nil
}

func (c *InclusionUserCallbacks) complete() bool {
	return c.GrantSecurityClasses != nil && c.ValidateDSKAndEnterPIN != nil && c.Abort != nil
}

// Options are the full driver configuration.
type Options struct {
	Timeouts        Timeouts     `yaml:"timeouts"`
	Attempts        Attempts     `yaml:"attempts"`
	EnableSoftReset bool         `yaml:"enableSoftReset"`
	SecurityKeys    SecurityKeys `yaml:"securityKeys"`
	Storage         Storage      `yaml:"storage"`

	InclusionUserCallbacks InclusionUserCallbacks `yaml:"-"`
}

// Default returns the options with every field at its default.
func Default() Options {
	return Options{
		Timeouts: Timeouts{
			ACK:              Duration(1000 * time.Millisecond),
			Byte:             Duration(150 * time.Millisecond),
			Response:         Duration(10000 * time.Millisecond),
			Report:           Duration(1000 * time.Millisecond),
			Nonce:            Duration(5000 * time.Millisecond),
			SendDataCallback: Duration(65000 * time.Millisecond),
			SerialAPIStarted: Duration(5000 * time.Millisecond),
		},
		Attempts: Attempts{
			OpenSerialPort: 10,
			Controller:     3,
			SendData:       3,
			NodeInterview:  5,
		},
		EnableSoftReset: true,
		Storage: Storage{
			Throttle: ThrottleNormal,
		},
	}
}

// LoadFile reads YAML options from path, over defaults.
func LoadFile(path string) (Options, error) {
	o := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return o, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return o, nil
}

// FromEnv applies environment overrides.
func (o *Options) FromEnv() {
	if os.Getenv("ZWGO_DISABLE_SOFT_RESET") != "" {
		o.EnableSoftReset = false
	}
	if os.Getenv("NO_CACHE") == "true" {
		o.Storage.ClearCache = true
	}
	if dir := os.Getenv("ZWGO_LOCK_DIRECTORY"); dir != "" {
		o.Storage.LockDir = dir
	}
}

func checkRange(name string, d Duration, min, max time.Duration) error {
	v := d.Std()
	if v < min || (max > 0 && v > max) {
		return fmt.Errorf("%w: timeouts.%s = %s", ErrRange, name, v)
	}
	return nil
}

func checkAttempts(name string, v, min, max int) error {
	if v < min || (max > 0 && v > max) {
		return fmt.Errorf("%w: attempts.%s = %d", ErrRange, name, v)
	}
	return nil
}

// Validate enforces the supported ranges.
func (o *Options) Validate() error {
	checks := []error{
		checkRange("ack", o.Timeouts.ACK, time.Millisecond, 0),
		checkRange("byte", o.Timeouts.Byte, time.Millisecond, 0),
		checkRange("response", o.Timeouts.Response, 500*time.Millisecond, 20*time.Second),
		checkRange("report", o.Timeouts.Report, 500*time.Millisecond, 10*time.Second),
		checkRange("nonce", o.Timeouts.Nonce, 3*time.Second, 20*time.Second),
		checkRange("sendDataCallback", o.Timeouts.SendDataCallback, 10*time.Second, 0),
		checkRange("serialAPIStarted", o.Timeouts.SerialAPIStarted, time.Second, 30*time.Second),
		checkAttempts("openSerialPort", o.Attempts.OpenSerialPort, 1, 0),
		checkAttempts("controller", o.Attempts.Controller, 1, 3),
		checkAttempts("sendData", o.Attempts.SendData, 1, 0),
		checkAttempts("nodeInterview", o.Attempts.NodeInterview, 1, 10),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	keys := [][]byte{
		o.SecurityKeys.S0Legacy,
		o.SecurityKeys.S2Unauthenticated,
		o.SecurityKeys.S2Authenticated,
		o.SecurityKeys.S2AccessControl,
	}
	names := []string{"S0_Legacy", "S2_Unauthenticated", "S2_Authenticated", "S2_AccessControl"}
	for i, k := range keys {
		if k == nil {
			continue
		}
		if len(k) != 16 {
			return fmt.Errorf("%w: securityKeys.%s has %d", ErrKeyLength, names[i], len(k))
		}
		for j := 0; j < i; j++ {
			if keys[j] != nil && bytes.Equal(k, keys[j]) {
				return fmt.Errorf("%w: %s equals %s", ErrDuplicateKey, names[i], names[j])
			}
		}
	}

	if !o.InclusionUserCallbacks.empty() && !o.InclusionUserCallbacks.complete() {
		return ErrCallbacks
	}
	return nil
}
