package tables

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/opensource-finance/railrate/internal/domain"
	"gopkg.in/yaml.v3"
)

// MemorySource is an in-process TableSource. Every Put bumps the table's
// revision.
type MemorySource struct {
	mu      sync.RWMutex
	tables  map[string]*domain.RawTable
	version map[string]int
}

// NewMemorySource creates a source holding the given tables.
func NewMemorySource(tables ...*domain.RawTable) *MemorySource {
	s := &MemorySource{
		tables:  make(map[string]*domain.RawTable),
		version: make(map[string]int),
	}
	for _, t := range tables {
		s.Put(t)
	}
	return s
}

// Put stores or replaces a table.
func (s *MemorySource) Put(t *domain.RawTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.Name] = t
	s.version[t.Name]++
}

// Remove deletes a table.
func (s *MemorySource) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
	s.version[name]++
}

// ListTables implements domain.TableSource.
func (s *MemorySource) ListTables(ctx context.Context) ([]domain.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]domain.TableInfo, 0, len(s.tables))
	for name := range s.tables {
		infos = append(infos, domain.TableInfo{Name: name, Revision: strconv.Itoa(s.version[name])})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ReadTable implements domain.TableSource.
func (s *MemorySource) ReadTable(ctx context.Context, name string) (*domain.RawTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	cp := *t
	cp.Revision = strconv.Itoa(s.version[name])
	return &cp, nil
}

// DirSource reads one YAML file per table from a directory. The table name
// is the file name without extension; the revision is its mtime and size.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func isTableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// ListTables implements domain.TableSource.
func (s *DirSource) ListTables(ctx context.Context) ([]domain.TableInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read table directory: %w", err)
	}

	var infos []domain.TableInfo
	for _, e := range entries {
		if e.IsDir() || !isTableFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		infos = append(infos, domain.TableInfo{
			Name:     strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Revision: fileRevision(fi),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ReadTable implements domain.TableSource.
func (s *DirSource) ReadTable(ctx context.Context, name string) (*domain.RawTable, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, name+ext)
		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// #nosec G304 -- path is built from the configured table directory.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var raw domain.RawTable
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if raw.Name != "" && raw.Name != name {
			return nil, fmt.Errorf("%s declares table %q", path, raw.Name)
		}
		raw.Name = name
		raw.Revision = fileRevision(fi)
		return &raw, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

func fileRevision(fi os.FileInfo) string {
	return strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36)
}
