package member

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"lxmf_group/internal/config"
	"lxmf_group/internal/model"
	"lxmf_group/internal/utils/fsutil"
	"lxmf_group/internal/utils/log"
)

const dataHeader = `# This is the data file. It is automatically created and saved/overwritten.
# It contains data managed by the software itself.
# If manual adjustments are made here, the program must be shut down first!

`

type (
	// FileRepo keeps the permission store in data.cfg. Each section lists
	// members as "<hex address> = <display name>"; wildcard keys stand alone.
	FileRepo struct {
		path string
	}
)

func NewFileRepo(path string) *FileRepo {
	return &FileRepo{
		path: path,
	}
}

func (r *FileRepo) Load(ctx context.Context) ([]model.Section, error) {
	data, err := fsutil.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte(config.ExampleData)
		if err := fsutil.WriteFile(r.path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write default data: %w", err)
		}
		log.Info("Default data file written", zap.String("path", r.path))
	}

	f, err := ini.LoadSources(config.LoadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("read data %s: %w", r.path, err)
	}

	var sections []model.Section
	for _, s := range f.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		sec := model.Section{Name: s.Name()}
		for _, k := range s.Keys() {
			m, ok := parseEntry(k.Name(), k.String())
			if !ok {
				log.Error("Invalid member in data file", zap.String("section", s.Name()), zap.String("key", k.Name()))
				continue
			}
			sec.Members = append(sec.Members, m)
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

func (r *FileRepo) Save(ctx context.Context, sections []model.Section) error {
	f := ini.Empty(config.LoadOptions)
	for _, sec := range sections {
		s, err := f.NewSection(sec.Name)
		if err != nil {
			return err
		}
		for _, m := range sec.Members {
			if m.Wildcard || model.IsWildcardKey(m.Key) {
				_, err = s.NewBooleanKey(m.Key)
			} else {
				_, err = s.NewKey(m.Address.Hex(), m.DisplayName)
			}
			if err != nil {
				return fmt.Errorf("section %s: %w", sec.Name, err)
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString(dataHeader)
	if _, err := f.WriteTo(&buf); err != nil {
		return err
	}
	return fsutil.WriteFile(r.path, buf.Bytes(), 0o644)
}

// parseEntry turns one data key into a member. Boolean keys read back as
// "true", which is not kept as a display name.
func parseEntry(key, value string) (model.Member, bool) {
	key = strings.TrimSpace(key)
	if model.IsWildcardKey(key) {
		return model.Member{Key: key, Wildcard: true}, true
	}
	addr, err := model.ParseAddress(key)
	if err != nil {
		return model.Member{}, false
	}
	name := strings.TrimSpace(value)
	if name == "true" {
		name = ""
	}
	return model.Member{Key: addr.Hex(), Address: addr, DisplayName: name}, true
}
