package mpps

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/radiology/internal/platform/dicom"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// RuleType is the attribute type of a profile rule, after DICOM PS3.4 F.7.2
// usage: 1 required with a value, 2 required but may be empty, 3 optional,
// 0 not allowed.
type RuleType int

const (
	TypeForbidden RuleType = iota
	TypeRequired
	TypeRequiredEmpty
	TypeOptional
)

func parseRuleType(s string) (RuleType, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return TypeRequired, nil
	case "2":
		return TypeRequiredEmpty, nil
	case "3":
		return TypeOptional, nil
	case "0", "-":
		return TypeForbidden, nil
	}
	return 0, fmt.Errorf("unknown rule type %q", s)
}

// ViolationClass classifies a validation failure.
type ViolationClass string

const (
	MissingRequired  ViolationClass = "missing-required"
	ForbiddenPresent ViolationClass = "forbidden-present"
	ValueOutOfRange  ViolationClass = "value-out-of-range"
)

func (c ViolationClass) rank() int {
	switch c {
	case MissingRequired:
		return 0
	case ForbiddenPresent:
		return 1
	case ValueOutOfRange:
		return 2
	}
	return 3
}

// Violation names one offending tag. Path lists the enclosing sequence tags
// for nested attributes.
type Violation struct {
	Tag   dicom.Tag
	Path  []dicom.Tag
	Class ViolationClass
}

func (v Violation) String() string {
	var b strings.Builder
	for _, p := range v.Path {
		b.WriteString(p.String())
		b.WriteByte('/')
	}
	b.WriteString(v.Tag.String())
	if kw := dicom.Keyword(v.Tag); kw != "" {
		b.WriteString(" " + kw)
	}
	b.WriteString(": " + string(v.Class))
	return b.String()
}

// Rule constrains one attribute.
type Rule struct {
	Tag    dicom.Tag
	Type   RuleType
	Values []string
	// Items constrain every item of a sequence attribute.
	Items []Rule
	// Closed rejects item attributes not listed in Items.
	Closed bool
}

// Profile is an ordered rule set for one request kind.
type Profile struct {
	Name   string
	Closed bool
	Rules  []Rule
}

type ruleDoc struct {
	Tag    string    `yaml:"tag"`
	Type   string    `yaml:"type"`
	Values []string  `yaml:"values"`
	Items  []ruleDoc `yaml:"items"`
	Closed bool      `yaml:"closed"`
}

type profileDoc struct {
	Name   string    `yaml:"name"`
	Closed bool      `yaml:"closed"`
	Rules  []ruleDoc `yaml:"rules"`
}

// ParseProfile decodes a YAML rule set. Tags may be keywords or (gggg,eeee).
func ParseProfile(b []byte) (*Profile, error) {
	var doc profileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("mpps: parse profile: %w", err)
	}
	rules, err := convertRules(doc.Rules)
	if err != nil {
		return nil, fmt.Errorf("mpps: profile %q: %w", doc.Name, err)
	}
	return &Profile{Name: doc.Name, Closed: doc.Closed, Rules: rules}, nil
}

func convertRules(docs []ruleDoc) ([]Rule, error) {
	rules := make([]Rule, 0, len(docs))
	seen := make(map[dicom.Tag]bool, len(docs))
	for _, d := range docs {
		tag, err := dicom.ParseTag(d.Tag)
		if err != nil {
			return nil, err
		}
		if seen[tag] {
			return nil, fmt.Errorf("duplicate rule for %s", tag)
		}
		seen[tag] = true
		typ, err := parseRuleType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		items, err := convertRules(d.Items)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		rules = append(rules, Rule{Tag: tag, Type: typ, Values: d.Values, Items: items, Closed: d.Closed})
	}
	return rules, nil
}

// LoadProfile reads a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfile(b)
}

// CreateProfile returns the built-in N-CREATE rule set.
func CreateProfile() *Profile { return mustBuiltin("profiles/ncreate.yaml") }

// UpdateProfile returns the built-in N-SET rule set.
func UpdateProfile() *Profile { return mustBuiltin("profiles/nset.yaml") }

func mustBuiltin(name string) *Profile {
	b, err := builtinProfiles.ReadFile(name)
	if err != nil {
		panic(err)
	}
	p, err := ParseProfile(b)
	if err != nil {
		panic(err)
	}
	return p
}

// ResolveProfile returns def when path is empty, the profile stored at path
// otherwise. A path that does not exist yields a nil profile (validation
// disabled) and a warning; any other failure is an error.
func ResolveProfile(path string, def *Profile, logger zerolog.Logger) (*Profile, error) {
	if path == "" {
		return def, nil
	}
	p, err := LoadProfile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("path", path).Msg("validation profile not found, validation disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mpps: load profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks ds against p and returns the violations in rule order.
// A nil profile accepts everything.
func Validate(ds *dicom.Dataset, p *Profile) []Violation {
	if p == nil {
		return nil
	}
	if ds == nil {
		ds = dicom.NewDataset()
	}
	var out []Violation
	validateLevel(ds, p.Rules, p.Closed, nil, &out)
	return out
}

func validateLevel(ds *dicom.Dataset, rules []Rule, closed bool, path []dicom.Tag, out *[]Violation) {
	add := func(t dicom.Tag, c ViolationClass) {
		*out = append(*out, Violation{Tag: t, Path: path, Class: c})
	}

	for _, r := range rules {
		e, present := ds.Get(r.Tag)
		switch r.Type {
		case TypeForbidden:
			if present {
				add(r.Tag, ForbiddenPresent)
			}
			continue
		case TypeRequired:
			if !present || e.IsEmpty() {
				add(r.Tag, MissingRequired)
				continue
			}
		case TypeRequiredEmpty:
			if !present {
				add(r.Tag, MissingRequired)
				continue
			}
		}
		if !present {
			continue
		}
		if e.IsEmpty() {
			// Type 2 may be empty; an empty optional enumerated value is not one of its values.
			if r.Type == TypeOptional && len(r.Values) > 0 {
				add(r.Tag, ValueOutOfRange)
			}
			continue
		}

		if len(r.Values) > 0 && !valuesAllowed(e, r.Values) {
			add(r.Tag, ValueOutOfRange)
		}
		if e.VR == dicom.VRSQ && (len(r.Items) > 0 || r.Closed) {
			nested := append(append([]dicom.Tag{}, path...), r.Tag)
			for _, item := range e.Items {
				if item == nil {
					continue
				}
				validateLevel(item, r.Items, r.Closed, nested, out)
			}
		}
	}

	if closed {
		known := make(map[dicom.Tag]bool, len(rules))
		for _, r := range rules {
			known[r.Tag] = true
		}
		for _, t := range ds.Tags() {
			if !known[t] && !t.IsGroupLength() {
				add(t, ForbiddenPresent)
			}
		}
	}
}

func valuesAllowed(e *dicom.Element, allowed []string) bool {
	if !e.VR.IsString() {
		return true
	}
	for _, v := range e.Strings {
		ok := false
		for _, a := range allowed {
			if strings.TrimSpace(v) == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
