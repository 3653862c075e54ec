package batch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/explain-cli/internal/model"
)

// Manifest describes a batch on disk.
type Manifest struct {
	Defaults RequestOptions `yaml:"defaults" mapstructure:"defaults"`
	Items    []ManifestItem `yaml:"items" mapstructure:"items"`

	dir string
}

// RequestOptions are the per-request knobs that may be set once for the
// whole batch and overridden per item.
type RequestOptions struct {
	TestType        string              `yaml:"test_type" mapstructure:"test_type"`
	TemplateID      *int                `yaml:"template_id" mapstructure:"template_id"`
	ClinicalContext string              `yaml:"clinical_context" mapstructure:"clinical_context"`
	LiteracyLevel   model.LiteracyLevel `yaml:"literacy_level" mapstructure:"literacy_level"`
	Tone            int                 `yaml:"tone" mapstructure:"tone"`
	Detail          int                 `yaml:"detail" mapstructure:"detail"`
	ShortComment    *bool               `yaml:"short_comment" mapstructure:"short_comment"`
}

// ManifestItem is one file in a manifest.
type ManifestItem struct {
	File  string `yaml:"file" mapstructure:"file"`
	Label string `yaml:"label" mapstructure:"label"`

	RequestOptions `yaml:",inline" mapstructure:",squash"`
}

// Loader reads a file into extracted content.
type Loader func(ctx context.Context, path string) (*model.Extraction, error)

// LoadManifest reads a batch manifest from a YAML file. Relative item paths
// are resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "batch: parse manifest")
	}
	if len(m.Items) == 0 {
		return nil, eris.Wrapf(ErrNoItems, "batch: manifest %s", path)
	}
	for i, it := range m.Items {
		if it.File == "" {
			return nil, eris.Errorf("batch: manifest item %d has no file", i+1)
		}
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// Path returns the resolved path of item i.
func (m *Manifest) Path(i int) string {
	p := m.Items[i].File
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// BatchItems loads every file and builds the batch items in manifest order.
func (m *Manifest) BatchItems(ctx context.Context, load Loader) ([]model.BatchItem, error) {
	items := make([]model.BatchItem, 0, len(m.Items))
	for i, it := range m.Items {
		path := m.Path(i)
		ext, err := load(ctx, path)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: load %s", path)
		}
		opts := m.Defaults.Merge(it.RequestOptions)
		items = append(items, model.BatchItem{
			Key:      strconv.Itoa(i + 1),
			Filename: filepath.Base(path),
			Label:    it.Label,
			Request:  opts.Apply(model.AnalysisRequest{Extraction: ext}),
		})
	}
	return items, nil
}

// Merge returns o with every field set in override replacing it.
func (o RequestOptions) Merge(override RequestOptions) RequestOptions {
	out := o
	if override.TestType != "" {
		out.TestType = override.TestType
	}
	if override.TemplateID != nil {
		out.TemplateID = override.TemplateID
	}
	if override.ClinicalContext != "" {
		out.ClinicalContext = override.ClinicalContext
	}
	if override.LiteracyLevel != "" {
		out.LiteracyLevel = override.LiteracyLevel
	}
	if override.Tone != 0 {
		out.Tone = override.Tone
	}
	if override.Detail != 0 {
		out.Detail = override.Detail
	}
	if override.ShortComment != nil {
		out.ShortComment = override.ShortComment
	}
	return out
}

// Apply copies the options onto req.
func (o RequestOptions) Apply(req model.AnalysisRequest) model.AnalysisRequest {
	req.TestType = o.TestType
	req.TemplateID = o.TemplateID
	req.ClinicalContext = o.ClinicalContext
	req.LiteracyLevel = o.LiteracyLevel
	req.Tone = o.Tone
	req.Detail = o.Detail
	if o.ShortComment != nil {
		req.ShortComment = *o.ShortComment
	}
	return req
}
