package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	assert.Equal(t, time.Second, o.Timeouts.ACK.Std())
	assert.Equal(t, 65*time.Second, o.Timeouts.SendDataCallback.Std())
	assert.Equal(t, 3, o.Attempts.Controller)
	assert.True(t, o.EnableSoftReset)
	assert.Equal(t, 150*time.Millisecond, o.Storage.Throttle.Window())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zwgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeouts:
  ack: 500ms
  response: 2000
attempts:
  controller: 2
enableSoftReset: false
securityKeys:
  S0_Legacy: "000102030405060708090a0b0c0d0e0f"
storage:
  cacheDir: /var/lib/zwgo
  throttle: fast
`), 0o600))

	o, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, o.Validate())

	assert.Equal(t, 500*time.Millisecond, o.Timeouts.ACK.Std())
	assert.Equal(t, 2*time.Second, o.Timeouts.Response.Std(), "bare integers are milliseconds")
	assert.Equal(t, 5*time.Second, o.Timeouts.Nonce.Std(), "untouched fields keep defaults")
	assert.Equal(t, 2, o.Attempts.Controller)
	assert.Equal(t, 10, o.Attempts.OpenSerialPort)
	assert.False(t, o.EnableSoftReset)
	assert.Equal(t, Key{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, o.SecurityKeys.S0Legacy)
	assert.Equal(t, "/var/lib/zwgo", o.Storage.CacheDir)
	assert.Equal(t, time.Duration(0), o.Storage.Throttle.Window())
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zwgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeots:\n  ack: 1s\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"response too low", func(o *Options) { o.Timeouts.Response = Duration(100 * time.Millisecond) }},
		{"response too high", func(o *Options) { o.Timeouts.Response = Duration(30 * time.Second) }},
		{"nonce too low", func(o *Options) { o.Timeouts.Nonce = Duration(time.Second) }},
		{"callback too low", func(o *Options) { o.Timeouts.SendDataCallback = Duration(time.Second) }},
		{"controller zero", func(o *Options) { o.Attempts.Controller = 0 }},
		{"controller too high", func(o *Options) { o.Attempts.Controller = 4 }},
		{"interview too high", func(o *Options) { o.Attempts.NodeInterview = 11 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Default()
			tc.mutate(&o)
			assert.ErrorIs(t, o.Validate(), ErrRange)
		})
	}
}

func TestValidateKeys(t *testing.T) {
	o := Default()
	o.SecurityKeys.S0Legacy = make(Key, 15)
	assert.ErrorIs(t, o.Validate(), ErrKeyLength)

	o = Default()
	k := make(Key, 16)
	o.SecurityKeys.S0Legacy = k
	o.SecurityKeys.S2Authenticated = append(Key(nil), k...)
	assert.ErrorIs(t, o.Validate(), ErrDuplicateKey)

	o = Default()
	o.SecurityKeys.S0Legacy = make(Key, 16)
	a := make(Key, 16)
	a[0] = 1
	o.SecurityKeys.S2Authenticated = a
	assert.NoError(t, o.Validate())
}

func TestValidateCallbacks(t *testing.T) {
	o := Default()
	o.InclusionUserCallbacks.Abort = func() {}
	assert.ErrorIs(t, o.Validate(), ErrCallbacks)

	o.InclusionUserCallbacks.GrantSecurityClasses = func(r []string) []string { return r }
	o.InclusionUserCallbacks.ValidateDSKAndEnterPIN = func(string) string { return "" }
	assert.NoError(t, o.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ZWGO_DISABLE_SOFT_RESET", "1")
	t.Setenv("NO_CACHE", "true")
	t.Setenv("ZWGO_LOCK_DIRECTORY", "/run/zwgo")

	o := Default()
	o.FromEnv()
	assert.False(t, o.EnableSoftReset)
	assert.True(t, o.Storage.ClearCache)
	assert.Equal(t, "/run/zwgo", o.Storage.LockDir)
}
