package relayform

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type formsFile struct {
	Forms []formEntry `yaml:"forms"`
}

type formEntry struct {
	IDString      string         `yaml:"id_string"`
	UUID          string         `yaml:"uuid"`
	Owner         string         `yaml:"owner"`
	Title         string         `yaml:"title"`
	Active        *bool          `yaml:"active"`
	HasStartTime  bool           `yaml:"has_start_time"`
	RequireAuth   *bool          `yaml:"require_auth"`
	GeopointField string         `yaml:"geopoint_field"`
	SubmitGrants  []string       `yaml:"submit_grants"`
	EditGrants    []string       `yaml:"edit_grants"`
	Endpoints     []FormEndpoint `yaml:"endpoints"`
}

// LoadFormsFile reads form definitions from YAML. Forms are active and require
// authentication unless the file says otherwise.
func LoadFormsFile(path string) ([]Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseForms(data)
}

func ParseForms(data []byte) ([]Form, error) {
	var file formsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: forms file: %v", ErrInvalidInput, err)
	}
	forms := make([]Form, 0, len(file.Forms))
	for idx, entry := range file.Forms {
		if strings.TrimSpace(entry.IDString) == "" || strings.TrimSpace(entry.Owner) == "" {
			return nil, fmt.Errorf("%w: forms[%d] needs id_string and owner", ErrInvalidInput, idx)
		}
		form := Form{
			IDString:      strings.TrimSpace(entry.IDString),
			UUID:          strings.TrimSpace(entry.UUID),
			Owner:         strings.TrimSpace(entry.Owner),
			Title:         entry.Title,
			Active:        true,
			HasStartTime:  entry.HasStartTime,
			RequireAuth:   true,
			GeopointField: strings.TrimSpace(entry.GeopointField),
			SubmitGrants:  entry.SubmitGrants,
			EditGrants:    entry.EditGrants,
			Endpoints:     entry.Endpoints,
		}
		if entry.Active != nil {
			form.Active = *entry.Active
		}
		if entry.RequireAuth != nil {
			form.RequireAuth = *entry.RequireAuth
		}
		forms = append(forms, form)
	}
	return forms, nil
}

func SeedForms(ctx context.Context, catalog FormCatalog, forms []Form) ([]Form, error) {
	saved := make([]Form, 0, len(forms))
	for _, form := range forms {
		stored, err := catalog.SaveForm(ctx, form)
		if err != nil {
			return nil, fmt.Errorf("seed form %s/%s: %w", form.Owner, form.IDString, err)
		}
		saved = append(saved, stored)
	}
	return saved, nil
}
