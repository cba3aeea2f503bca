package schema

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rpattn/assetimport/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Codes []catalogCode `yaml:"codes"`
}

type catalogCode struct {
	Code        string         `yaml:"code"`
	DisplayName string         `yaml:"displayName"`
	Category    string         `yaml:"category"`
	Active      *bool          `yaml:"active"`
	Parent      string         `yaml:"parent"`
	Fields      []catalogField `yaml:"fields"`
}

type catalogField struct {
	Code         string   `yaml:"code"`
	DisplayName  string   `yaml:"displayName"`
	ValueKind    string   `yaml:"valueKind"`
	StorageKind  string   `yaml:"storageKind"`
	Unit         string   `yaml:"unit"`
	Required     bool     `yaml:"required"`
	Min          *string  `yaml:"min"`
	Max          *string  `yaml:"max"`
	MinLength    *int     `yaml:"minLength"`
	MaxLength    *int     `yaml:"maxLength"`
	Pattern      string   `yaml:"pattern"`
	Options      []string `yaml:"options"`
	Default      *string  `yaml:"default"`
	DisplayOrder *int     `yaml:"displayOrder"`
}

// LoadCatalog parses a YAML catalog of classification codes.
func LoadCatalog(r io.Reader) ([]domain.ClassificationCode, error) {
	var file catalogFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if err == io.EOF {
			return []domain.ClassificationCode{}, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	codes := make([]domain.ClassificationCode, 0, len(file.Codes))
	for _, entry := range file.Codes {
		code, err := entry.toDomain()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Apply saves every catalog entry through the registry. Parents are saved before children.
func (r *Registry) Apply(ctx context.Context, codes []domain.ClassificationCode) ([]domain.ClassificationCode, error) {
	ordered, err := parentsFirst(codes)
	if err != nil {
		return nil, err
	}
	saved := make([]domain.ClassificationCode, 0, len(ordered))
	for _, code := range ordered {
		out, err := r.Save(ctx, code)
		if err != nil {
			return saved, err
		}
		saved = append(saved, out)
	}
	return saved, nil
}

func (c catalogCode) toDomain() (domain.ClassificationCode, error) {
	code := domain.ClassificationCode{
		Code:        domain.NormalizeClassificationCode(c.Code),
		DisplayName: strings.TrimSpace(c.DisplayName),
		Category:    strings.TrimSpace(c.Category),
		Active:      c.Active == nil || *c.Active,
	}
	if code.Code == "" {
		return domain.ClassificationCode{}, fmt.Errorf("catalog entry without code")
	}
	if code.DisplayName == "" {
		code.DisplayName = code.Code
	}
	if parent := domain.NormalizeClassificationCode(c.Parent); parent != "" {
		code.ParentCode = &parent
	}
	for idx, f := range c.Fields {
		field := domain.FieldDefinition{
			Code:         strings.TrimSpace(f.Code),
			DisplayName:  strings.TrimSpace(f.DisplayName),
			ValueKind:    domain.ValueKind(strings.ToLower(strings.TrimSpace(f.ValueKind))),
			StorageKind:  domain.StorageKind(strings.ToLower(strings.TrimSpace(f.StorageKind))),
			Unit:         f.Unit,
			Required:     f.Required,
			MinLength:    f.MinLength,
			MaxLength:    f.MaxLength,
			Pattern:      f.Pattern,
			Options:      f.Options,
			DefaultValue: f.Default,
			DisplayOrder: idx,
		}
		if f.DisplayOrder != nil {
			field.DisplayOrder = *f.DisplayOrder
		}
		var err error
		if field.Min, err = parseBound(f.Min); err != nil {
			return domain.ClassificationCode{}, fmt.Errorf("%s.%s min: %w", code.Code, field.Code, err)
		}
		if field.Max, err = parseBound(f.Max); err != nil {
			return domain.ClassificationCode{}, fmt.Errorf("%s.%s max: %w", code.Code, field.Code, err)
		}
		code.Fields = append(code.Fields, field)
	}
	return code, nil
}

func parseBound(raw *string) (*decimal.Decimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func parentsFirst(codes []domain.ClassificationCode) ([]domain.ClassificationCode, error) {
	byCode := make(map[string]domain.ClassificationCode, len(codes))
	for _, code := range codes {
		byCode[code.Code] = code
	}
	const (
		visiting = 1
		done     = 2
	)
	marks := map[string]int{}
	ordered := make([]domain.ClassificationCode, 0, len(codes))
	var visit func(code domain.ClassificationCode) error
	visit = func(code domain.ClassificationCode) error {
		switch marks[code.Code] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("classification code %s has a cyclic parent chain", code.Code)
		}
		marks[code.Code] = visiting
		if code.ParentCode != nil {
			if parent, ok := byCode[*code.ParentCode]; ok {
				if err := visit(parent); err != nil {
					return err
				}
			}
		}
		marks[code.Code] = done
		ordered = append(ordered, code)
		return nil
	}
	for _, code := range codes {
		if err := visit(code); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
