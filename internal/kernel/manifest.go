package kernel

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// ProtocolVersion is the kernel protocol this pipeline speaks. A manifest
// whose [protocol_min, protocol_max] range does not contain it is refused
// at load time, before any job can claim work against a tool that would
// misread its inputs.
const ProtocolVersion = "v1.0.0"

// Manifest describes an installed kernel toolchain.
type Manifest struct {
	Name        string            `toml:"name"`
	Version     string            `toml:"version"`
	ProtocolMin string            `toml:"protocol_min"`
	ProtocolMax string            `toml:"protocol_max"`
	Ops         map[string]OpSpec `toml:"ops"`
}

// OpSpec is one operation's invocation template. Args entries may carry
// {inputs}, {result}, and {workdir} placeholders, expanded per call.
type OpSpec struct {
	Bin    string   `toml:"bin"`
	Args   []string `toml:"args"`
	Result string   `toml:"result"`
}

// LoadManifest reads and validates a kernel manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("failed to read kernel manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("kernel manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest fields and the protocol range.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	if !semver.IsValid(canonicalVersion(m.Version)) {
		return fmt.Errorf("tool version %q is not a semantic version", m.Version)
	}
	lo, hi := canonicalVersion(m.ProtocolMin), canonicalVersion(m.ProtocolMax)
	if !semver.IsValid(lo) || !semver.IsValid(hi) {
		return fmt.Errorf("protocol range [%q, %q] is not semver", m.ProtocolMin, m.ProtocolMax)
	}
	if semver.Compare(lo, hi) > 0 {
		return fmt.Errorf("protocol_min %s exceeds protocol_max %s", m.ProtocolMin, m.ProtocolMax)
	}
	if semver.Compare(ProtocolVersion, lo) < 0 || semver.Compare(ProtocolVersion, hi) > 0 {
		return fmt.Errorf("tool %s speaks protocol [%s, %s]; this pipeline speaks %s",
			m.Name, m.ProtocolMin, m.ProtocolMax, ProtocolVersion)
	}
	for name, op := range m.Ops {
		if op.Bin == "" {
			return fmt.Errorf("op %s has no bin", name)
		}
	}
	return nil
}

// Op returns the spec for an operation, with the result file name
// defaulted to <op>_result.json.
func (m *Manifest) Op(name string) (OpSpec, error) {
	spec, ok := m.Ops[name]
	if !ok {
		return OpSpec{}, fmt.Errorf("kernel %s does not implement %s", m.Name, name)
	}
	if spec.Result == "" {
		spec.Result = name + "_result.json"
	}
	return spec, nil
}

// canonicalVersion tolerates manifests written without the leading v.
func canonicalVersion(s string) string {
	if s == "" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}
