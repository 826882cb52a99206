package plan

import (
	"os"

	"github.com/slotwise/slotwise/pkg/errors"
	"gopkg.in/yaml.v3"
)

// operation type names as they appear in plan manifests
var opTypeNames = map[string]OperationType{
	"REPLACE":       Replace,
	"ZERO":          Zero,
	"DISCARD":       Discard,
	"SOURCE_COPY":   SourceCopy,
	"SOURCE_BSDIFF": SourceBsdiff,
	"PUFFDIFF":      Puffdiff,
}

// UnmarshalYAML decodes the symbolic operation type name
func (t *OperationType) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	typ, ok := opTypeNames[name]
	if !ok {
		return errors.Newf(errors.ErrPlanParse, "unknown operation type %q", name)
	}
	*t = typ
	return nil
}

// MarshalYAML encodes the symbolic operation type name
func (t OperationType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// ParseManifest decodes and validates a YAML plan manifest
func ParseManifest(data []byte) (*InstallPlan, error) {
	var ip InstallPlan
	if err := yaml.Unmarshal(data, &ip); err != nil {
		return nil, errors.Wrap(err, errors.ErrPlanParse, "cannot parse plan manifest")
	}
	if err := ip.Validate(); err != nil {
		return nil, err
	}
	return &ip, nil
}

// LoadManifest reads, decodes and validates a YAML plan manifest file
func LoadManifest(path string) (*InstallPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrPlanParse, "cannot read plan manifest %q", path)
	}
	return ParseManifest(data)
}
