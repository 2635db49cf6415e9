// File: internal/manifest/file.go
// Brief: Strict YAML decoding and deterministic encoding of manifest files.

package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/pmpm/internal/failure"
)

type fileDoc struct {
	Name     string    `yaml:"name,omitempty"`
	Channels []string  `yaml:"channels,omitempty"`
	Variant  *Variant  `yaml:"variant,omitempty"`
	Vars     yaml.Node `yaml:"vars,omitempty"`
	Packages yaml.Node `yaml:"packages"`
}

type packageDoc struct {
	Method  Method            `yaml:"method,omitempty"`
	Version string            `yaml:"version,omitempty"`
	Tags    []string          `yaml:"tags,omitempty"`
	Recipe  string            `yaml:"recipe,omitempty"`
	Source  stringList        `yaml:"source,omitempty"`
	Flags   map[string]string `yaml:"flags,omitempty"`
	Verify  string            `yaml:"verify,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			*s = stringList{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest document, rejecting unknown fields at every level,
// and validates it.
func Parse(data []byte) (*Manifest, error) {
	var doc fileDoc
	if err := decodeStrict(bytes.NewReader(data), &doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, failure.Configf("manifest is empty")
		}
		return nil, failure.Configf("parse manifest: %w", err)
	}
	m := &Manifest{
		Name:     strings.TrimSpace(doc.Name),
		Channels: doc.Channels,
		Variant:  doc.Variant,
	}
	vars, err := parseVars(&doc.Vars)
	if err != nil {
		return nil, err
	}
	m.Vars = vars
	pkgs, err := parsePackages(&doc.Packages)
	if err != nil {
		return nil, err
	}
	m.Packages = pkgs
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parsePackages(node *yaml.Node) ([]PackageSpec, error) {
	if node.Kind == 0 {
		return nil, failure.Configf("manifest has no packages section")
	}
	if node.Kind != yaml.MappingNode {
		return nil, failure.Configf("line %d: packages must be a mapping keyed by package name", node.Line)
	}
	var out []PackageSpec
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		name := strings.TrimSpace(key.Value)
		var doc packageDoc
		if !isNull(val) {
			if err := decodeStrictNode(val, &doc); err != nil {
				return nil, failure.Configf("package %q (line %d): %w", name, val.Line, err)
			}
		}
		spec := PackageSpec{
			Name:    name,
			Method:  Method(strings.ToLower(strings.TrimSpace(string(doc.Method)))),
			Version: strings.TrimSpace(doc.Version),
			Tags:    doc.Tags,
			Recipe:  strings.TrimSpace(doc.Recipe),
			Source:  []string(doc.Source),
			Flags:   doc.Flags,
			Verify:  strings.TrimSpace(doc.Verify),
		}
		if spec.Method == "" {
			spec.Method = MethodConda
		}
		if doc.Timeout != "" {
			d, err := time.ParseDuration(doc.Timeout)
			if err != nil {
				return nil, failure.Configf("package %q: invalid timeout %q: %w", name, doc.Timeout, err)
			}
			spec.Timeout = d
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseVars(node *yaml.Node) ([]Var, error) {
	if node.Kind == 0 || isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, failure.Configf("line %d: vars must be a mapping", node.Line)
	}
	var out []Var
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := strings.TrimSpace(node.Content[i].Value)
		cases := node.Content[i+1]
		v := Var{Name: name}
		switch cases.Kind {
		case yaml.ScalarNode:
			v.Default, v.HasDefault = cases.Value, true
		case yaml.MappingNode:
			for j := 0; j+1 < len(cases.Content); j += 2 {
				tag := strings.TrimSpace(cases.Content[j].Value)
				valNode := cases.Content[j+1]
				if valNode.Kind != yaml.ScalarNode {
					return nil, failure.Configf("variable %q (line %d): values must be strings", name, valNode.Line)
				}
				if tag == "default" {
					v.Default, v.HasDefault = valNode.Value, true
					continue
				}
				v.Cases = append(v.Cases, VarCase{Tag: tag, Value: valNode.Value})
			}
		default:
			return nil, failure.Configf("variable %q (line %d): expected a string or a tag mapping", name, cases.Line)
		}
		out = append(out, v)
	}
	return out, nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "")
}

func decodeStrict(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec.Decode(out)
}

// decodeStrictNode re-encodes node so the strict decoder can check field names;
// yaml.Node.Decode has no KnownFields switch.
func decodeStrictNode(node *yaml.Node, out any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	return decodeStrict(bytes.NewReader(raw), out)
}

func encodePackages(packages []PackageSpec) (*yaml.Node, error) {
	pkgs := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range packages {
		doc := packageDoc{
			Method:  p.Method,
			Version: p.Version,
			Tags:    p.Tags,
			Recipe:  p.Recipe,
			Source:  stringList(p.Source),
			Flags:   p.Flags,
			Verify:  p.Verify,
		}
		if p.Timeout > 0 {
			doc.Timeout = p.Timeout.String()
		}
		var pn yaml.Node
		if err := pn.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode package %q: %w", p.Name, err)
		}
		pkgs.Content = append(pkgs.Content, scalar(p.Name), &pn)
	}
	return pkgs, nil
}

// Encode renders the manifest as YAML. The output depends only on the
// manifest value, so regenerated variant files diff cleanly.
func Encode(m *Manifest) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	if m.Name != "" {
		addScalar(root, "name", m.Name)
	}
	if len(m.Channels) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, c := range m.Channels {
			seq.Content = append(seq.Content, scalar(c))
		}
		root.Content = append(root.Content, scalar("channels"), seq)
	}
	if m.Variant != nil {
		var vn yaml.Node
		if err := vn.Encode(m.Variant); err != nil {
			return nil, err
		}
		root.Content = append(root.Content, scalar("variant"), &vn)
	}
	if len(m.Vars) > 0 {
		vars := &yaml.Node{Kind: yaml.MappingNode}
		for _, v := range m.Vars {
			cases := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
			for _, c := range v.Cases {
				cases.Content = append(cases.Content, scalar(c.Tag), scalar(c.Value))
			}
			if v.HasDefault {
				cases.Content = append(cases.Content, scalar("default"), scalar(v.Default))
			}
			vars.Content = append(vars.Content, scalar(v.Name), cases)
		}
		root.Content = append(root.Content, scalar("vars"), vars)
	}
	pkgs, err := encodePackages(m.Packages)
	if err != nil {
		return nil, err
	}
	root.Content = append(root.Content, scalar("packages"), pkgs)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the manifest atomically.
func Save(path string, m *Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data through a temp file and a rename.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func addScalar(n *yaml.Node, key, value string) {
	n.Content = append(n.Content, scalar(key), scalar(value))
}
