// Package categories registers the built-in category definitions with the
// default registry. Import this package for side effects only.
package categories

import (
	"embed"
	"fmt"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/schema"
)

//go:embed defs/*.yaml
var defs embed.FS

func init() {
	schemas, err := Builtin()
	if err != nil {
		panic(fmt.Sprintf("categories: %v", err))
	}
	for _, s := range schemas {
		registry.Register(s)
	}
}

// Builtin parses the embedded definitions.
func Builtin() ([]*asterix.Schema, error) {
	return schema.LoadFS(defs, "defs")
}
