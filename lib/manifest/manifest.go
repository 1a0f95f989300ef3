// Package manifest parses dependency manifests: the list of third-party
// packages and version constraints installed into an image's dependency layer.
//
// Two on-disk formats are accepted: requirements-style text (one
// "name<constraint>" per line, "#" comments) and a JSON object mapping package
// name to constraint. Both parse to the same ordered Manifest.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrInvalid = errors.New("invalid manifest")
	ErrEmpty   = errors.New("empty manifest")
)

// packageNamePattern follows the PyPI naming rules: letters, digits and
// separators, starting and ending with a letter or digit.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// constraintOperators are the comparison operators a constraint may start
// with. Checked longest-first so ">=" does not match as ">".
var constraintOperators = []string{"===", "==", ">=", "<=", "~=", "!=", ">", "<"}

// Dependency is a single declared package with an optional version constraint.
type Dependency struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// Spec returns the installer-facing requirement string, e.g. "requests>=2.0".
func (d Dependency) Spec() string {
	return d.Name + d.Constraint
}

// Manifest is the parsed, validated dependency set. Order is preserved from
// the source file for requirements input and sorted by name for JSON input,
// so equal declared sets always canonicalize identically.
type Manifest struct {
	Dependencies []Dependency
}

// ParseFile reads and parses a manifest from disk.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Parse parses manifest content, auto-detecting the format.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseRequirements(trimmed)
}

func parseJSON(data []byte) (*Manifest, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{}
	for _, name := range names {
		dep, err := newDependency(name, raw[name])
		if err != nil {
			return nil, err
		}
		m.Dependencies = append(m.Dependencies, dep)
	}
	return m, nil
}

func parseRequirements(data []byte) (*Manifest, error) {
	m := &Manifest{}
	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Strip trailing comments
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		name, constraint := splitRequirement(line)
		dep, err := newDependency(name, constraint)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno+1, err)
		}
		m.Dependencies = append(m.Dependencies, dep)
	}
	if len(m.Dependencies) == 0 {
		return nil, ErrEmpty
	}
	return m, nil
}

// splitRequirement splits "requests>=2.0" into name and constraint at the
// first operator character.
func splitRequirement(line string) (string, string) {
	if i := strings.IndexAny(line, "=<>!~"); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i:])
	}
	return line, ""
}

func newDependency(name, constraint string) (Dependency, error) {
	if !packageNamePattern.MatchString(name) {
		return Dependency{}, fmt.Errorf("%w: bad package name %q", ErrInvalid, name)
	}
	if constraint != "" && !validConstraint(constraint) {
		return Dependency{}, fmt.Errorf("%w: bad constraint %q for %s", ErrInvalid, constraint, name)
	}
	return Dependency{Name: name, Constraint: constraint}, nil
}

// validConstraint checks every comma-separated clause starts with a known
// operator followed by a version.
func validConstraint(constraint string) bool {
	for _, clause := range strings.Split(constraint, ",") {
		clause = strings.TrimSpace(clause)
		ok := false
		for _, op := range constraintOperators {
			if rest, found := strings.CutPrefix(clause, op); found {
				ok = strings.TrimSpace(rest) != ""
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Specs returns the installer-facing requirement strings in manifest order.
func (m *Manifest) Specs() []string {
	specs := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		specs = append(specs, dep.Spec())
	}
	return specs
}

// Canonical returns a normalized byte representation: sorted by name, one
// "name constraint" line each. Used for cache keys, so two manifests that
// declare the same set produce the same bytes regardless of source format.
func (m *Manifest) Canonical() []byte {
	deps := make([]Dependency, len(m.Dependencies))
	copy(deps, m.Dependencies)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })

	var buf bytes.Buffer
	for _, dep := range deps {
		buf.WriteString(dep.Name)
		if dep.Constraint != "" {
			buf.WriteByte(' ')
			buf.WriteString(dep.Constraint)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Digest returns the hex SHA256 of the canonical representation.
func (m *Manifest) Digest() string {
	sum := sha256.Sum256(m.Canonical())
	return hex.EncodeToString(sum[:])
}
