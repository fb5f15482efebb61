package schema

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"asterix_decoder/internal/asterix"
)

// Parse decodes a definition, picking the parser from the file extension.
// Every schema returned has passed asterix.Schema.Validate.
func Parse(name string, data []byte) (*asterix.Schema, error) {
	var (
		s   *asterix.Schema
		err error
	)
	switch strings.ToLower(path.Ext(name)) {
	case ".xml":
		s, err = ParseXML(bytes.NewReader(data))
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("%s: unknown schema file type", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// LoadFile loads one definition file.
func LoadFile(file string) (*asterix.Schema, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(file, data)
}

// LoadDir loads every .xml, .yaml and .yml file in dir (not recursive).
func LoadDir(dir string) ([]*asterix.Schema, error) {
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS loads every definition file in dir of fsys, in name order.
func LoadFS(fsys fs.FS, dir string) ([]*asterix.Schema, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*asterix.Schema
	for _, e := range entries {
		if e.IsDir() || !isSchemaFile(e.Name()) {
			continue
		}
		name := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		s, err := Parse(filepath.Base(name), data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func isSchemaFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".xml", ".yaml", ".yml":
		return true
	}
	return false
}
