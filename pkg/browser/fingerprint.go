package browser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// Config describes an interchangeable browser launch.
type Config struct {
	Executable string   `json:"executable" yaml:"executable"`
	Headless   bool     `json:"headless" yaml:"headless"`
	Debug      bool     `json:"debug" yaml:"debug"`
	Args       []string `json:"args,omitempty" yaml:"args"`
}

// Fingerprint identifies configurations that may share one instance.
// Argument order is significant.
func (c Config) Fingerprint() string {
	args := c.Args
	if args == nil {
		args = []string{}
	}
	b, _ := json.Marshal(struct {
		Executable string   `json:"e"`
		Headless   bool     `json:"h"`
		Debug      bool     `json:"d"`
		Args       []string `json:"a"`
	}{c.Executable, c.Headless, c.Debug, args})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	c.Args = slices.Clone(c.Args)
	return c
}
