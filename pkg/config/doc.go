// Package config holds the driver options: timeouts, retry budgets,
// security keys and storage settings. Options load from YAML, apply
// environment overrides, and validate against the supported ranges
// before the driver starts.
package config
