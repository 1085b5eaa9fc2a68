package dimse

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ehr/radiology/internal/platform/dicom"
)

//go:embed sop-classes.yaml
var defaultCapabilitiesYAML []byte

// Capabilities maps an abstract syntax (SOP class UID) to the transfer
// syntaxes accepted for it, in preference order.
type Capabilities map[string][]string

type capabilityFile struct {
	SOPClasses []struct {
		Name             string   `yaml:"name"`
		UID              string   `yaml:"uid"`
		TransferSyntaxes []string `yaml:"transfer_syntaxes"`
	} `yaml:"sop_classes"`
}

// DefaultCapabilities returns the embedded table: Verification in Implicit VR
// Little Endian and MPPS in the three uncompressed syntaxes.
func DefaultCapabilities() Capabilities {
	c, err := ParseCapabilities(defaultCapabilitiesYAML)
	if err != nil {
		panic(fmt.Sprintf("dimse: embedded sop-classes.yaml: %v", err))
	}
	return c
}

// LoadCapabilities reads a capability table from path. An empty path yields
// the embedded default.
func LoadCapabilities(path string) (Capabilities, error) {
	if path == "" {
		return DefaultCapabilities(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dimse: read capabilities %s: %w", path, err)
	}
	c, err := ParseCapabilities(b)
	if err != nil {
		return nil, fmt.Errorf("dimse: %s: %w", path, err)
	}
	return c, nil
}

// ParseCapabilities decodes and validates a YAML capability table.
func ParseCapabilities(b []byte) (Capabilities, error) {
	var f capabilityFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}
	if len(f.SOPClasses) == 0 {
		return nil, fmt.Errorf("capabilities: no sop_classes")
	}
	c := make(Capabilities, len(f.SOPClasses))
	for _, sc := range f.SOPClasses {
		if !dicom.IsValidUID(sc.UID) {
			return nil, fmt.Errorf("capabilities: %q: invalid SOP class UID %q", sc.Name, sc.UID)
		}
		if len(sc.TransferSyntaxes) == 0 {
			return nil, fmt.Errorf("capabilities: %s has no transfer syntaxes", sc.UID)
		}
		for _, ts := range sc.TransferSyntaxes {
			if _, err := dicom.SyntaxFor(ts); err != nil {
				return nil, fmt.Errorf("capabilities: %s: %w", sc.UID, err)
			}
		}
		c[sc.UID] = append(c[sc.UID], sc.TransferSyntaxes...)
	}
	return c, nil
}

// Supports reports whether the SOP class is in the table.
func (c Capabilities) Supports(sopClassUID string) bool {
	_, ok := c[sopClassUID]
	return ok
}

// SOPClasses returns the configured SOP class UIDs in sorted order.
func (c Capabilities) SOPClasses() []string {
	out := make([]string, 0, len(c))
	for uid := range c {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Negotiate answers one proposed presentation context: the first proposed
// transfer syntax the table lists is accepted.
func (c Capabilities) Negotiate(pc PresentationContext) PresentationContext {
	ans := PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}
	accepted, ok := c[pc.AbstractSyntax]
	if !ok {
		ans.Result = ContextAbstractSyntaxNotSupported
		return ans
	}
	for _, proposed := range pc.TransferSyntaxes {
		for _, ts := range accepted {
			if proposed == ts {
				ans.Result = ContextAccepted
				ans.TransferSyntaxes = []string{ts}
				return ans
			}
		}
	}
	ans.Result = ContextTransferSyntaxNotSupported
	return ans
}
