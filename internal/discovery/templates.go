package discovery

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/civicsignal/billcost/internal/model"
)

// QueryTemplate is one search query pattern from the template file.
// The {name} placeholder is replaced with the jurisdiction name.
type QueryTemplate struct {
	Template string               `yaml:"template"`
	Category model.SourceCategory `yaml:"category"`
}

type templateFile struct {
	Queries []QueryTemplate `yaml:"queries"`
}

// defaultTemplates cover the common publication surfaces of a US
// municipality. Used when no template file is configured.
var defaultTemplates = []QueryTemplate{
	{Template: "{name} city council meeting agenda", Category: model.CategoryMeeting},
	{Template: "{name} city council meeting minutes", Category: model.CategoryMeeting},
	{Template: "{name} municipal code ordinances", Category: model.CategoryCode},
	{Template: "{name} legislation pending bills", Category: model.CategoryGeneral},
}

// LoadTemplates reads query templates from path, falling back to the
// built-in set when path is empty or missing.
func LoadTemplates(path string) ([]QueryTemplate, error) {
	if path == "" {
		return defaultTemplates, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTemplates, nil
		}
		return nil, eris.Wrapf(err, "discovery: read template file %s", path)
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "discovery: parse template file %s", path)
	}
	if len(f.Queries) == 0 {
		return nil, eris.Errorf("discovery: template file %s has no queries", path)
	}
	for i, q := range f.Queries {
		if !strings.Contains(q.Template, "{name}") {
			return nil, eris.Errorf("discovery: query %d missing {name} placeholder", i)
		}
		if q.Category == "" {
			f.Queries[i].Category = model.CategoryGeneral
		}
	}
	return f.Queries, nil
}

// Render substitutes the jurisdiction name into the template.
func (q QueryTemplate) Render(j model.Jurisdiction) string {
	return strings.ReplaceAll(q.Template, "{name}", j.Name)
}
