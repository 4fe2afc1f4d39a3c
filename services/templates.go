package services

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"besitos-engine/models"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// TemplateFile is one raw YAML template from any source.
type TemplateFile struct {
	Name string
	Data []byte
}

// TemplateSource lists template files (embedded, bucket, zip bundle).
type TemplateSource interface {
	Files(ctx context.Context) ([]TemplateFile, error)
}

// TemplateService keeps named, versioned system blueprints.
type TemplateService struct {
	DB    *gorm.DB
	Clock clockwork.Clock
}

func NewTemplateService(db *gorm.DB, clock clockwork.Clock) *TemplateService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TemplateService{DB: db, Clock: clock}
}

// TemplateName normalises a display name to the stored key.
func TemplateName(name string) string {
	return slugKey(name)
}

func checksum(def models.TemplateDefinition) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Register stores def as a new version of its template. Re-registering an
// identical definition returns the existing version with created=false.
func (s *TemplateService) Register(ctx context.Context, def models.TemplateDefinition) (*models.Template, bool, error) {
	name := TemplateName(def.Name)
	if name == "" {
		return nil, false, invalidf("name", "required")
	}
	def.Name = name
	if issues := validateMissionSystem(def.System); len(issues) > 0 {
		return nil, false, newValidationError(models.PrefixIssues("system", issues))
	}
	sum, err := checksum(def)
	if err != nil {
		return nil, false, err
	}

	var out models.Template
	created := false
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.Template
		err := tx.Where("name = ?", name).Order("version DESC").Take(&latest).Error
		switch {
		case err == nil && latest.Checksum == sum:
			out = latest
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		out = models.Template{
			Name:        name,
			Version:     latest.Version + 1,
			Description: def.Description,
			Definition:  datatypes.NewJSONType(def),
			Checksum:    sum,
			CreatedAt:   s.Clock.Now().UTC(),
		}
		created = true
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// Latest returns the highest version of the named template.
func (s *TemplateService) Latest(ctx context.Context, name string) (*models.Template, error) {
	var t models.Template
	err := s.DB.WithContext(ctx).
		Where("name = ?", TemplateName(name)).
		Order("version DESC").
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("template", name)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TemplateService) Version(ctx context.Context, name string, version int) (*models.Template, error) {
	var t models.Template
	err := s.DB.WithContext(ctx).
		Where("name = ? AND version = ?", TemplateName(name), version).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("template", fmt.Sprintf("%s@%d", name, version))
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns the latest version of every template, by name.
func (s *TemplateService) List(ctx context.Context) ([]models.Template, error) {
	var rows []models.Template
	if err := s.DB.WithContext(ctx).Order("name ASC, version DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Template, 0, len(rows))
	for _, r := range rows {
		if len(out) > 0 && out[len(out)-1].Name == r.Name {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseTemplate decodes one YAML template document.
func ParseTemplate(data []byte) (models.TemplateDefinition, error) {
	var def models.TemplateDefinition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return models.TemplateDefinition{}, invalidf("template", "parse yaml: %v", err)
	}
	return def, nil
}

// ImportResult summarises an import run.
type ImportResult struct {
	Registered []string          `json:"registered"`
	Unchanged  []string          `json:"unchanged"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// Import registers every YAML file of src; a bad file does not stop the rest.
func (s *TemplateService) Import(ctx context.Context, src TemplateSource) (ImportResult, error) {
	files, err := src.Files(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	res := ImportResult{Failed: map[string]string{}}
	for _, f := range files {
		def, err := ParseTemplate(f.Data)
		if err != nil {
			res.Failed[f.Name] = err.Error()
			continue
		}
		t, created, err := s.Register(ctx, def)
		if err != nil {
			res.Failed[f.Name] = err.Error()
			continue
		}
		label := fmt.Sprintf("%s@%d", t.Name, t.Version)
		if created {
			res.Registered = append(res.Registered, label)
		} else {
			res.Unchanged = append(res.Unchanged, label)
		}
	}
	return res, nil
}

// SeedBuiltins registers the templates shipped with the binary.
func (s *TemplateService) SeedBuiltins(ctx context.Context) (ImportResult, error) {
	return s.Import(ctx, embeddedSource{fsys: builtinTemplates, dir: "templates"})
}

type embeddedSource struct {
	fsys fs.FS
	dir  string
}

func (e embeddedSource) Files(context.Context) ([]TemplateFile, error) {
	entries, err := fs.ReadDir(e.fsys, e.dir)
	if err != nil {
		return nil, err
	}
	var out []TemplateFile
	for _, entry := range entries {
		if entry.IsDir() || !IsTemplateFile(entry.Name()) {
			continue
		}
		data, err := fs.ReadFile(e.fsys, path.Join(e.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, TemplateFile{Name: entry.Name(), Data: data})
	}
	return out, nil
}

// IsTemplateFile reports whether a file name looks like a YAML template.
func IsTemplateFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
