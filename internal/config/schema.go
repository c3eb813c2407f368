package config

import (
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xeipuuv/gojsonschema"

	"github.com/bryanwahyu/ecranner/internal/domain/scans"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	// ErrSyntax marks a document that does not match its schema.
	ErrSyntax = errors.New("configuration syntax error")
	// ErrSchemaNotFound marks an unknown `version`.
	ErrSchemaNotFound = errors.New("no schema for version")
)

// Validate checks a decoded document against the schema selected by its
// top-level `version` key.
func Validate(raw map[string]interface{}) error {
	v, ok := raw["version"]
	if !ok || v == nil {
		return &scans.ConfigError{Field: "version", Err: fmt.Errorf("%w: the \"version\" parameter is missing", ErrSyntax)}
	}
	version := versionString(v)

	schema, err := schemaFS.ReadFile("schemas/schema_" + version + ".json")
	if err != nil {
		return &scans.ConfigError{Field: "version", Err: fmt.Errorf("%w: %w %q (supported: %s)", ErrSyntax, ErrSchemaNotFound, version, strings.Join(Versions(), ", "))}
	}

	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(raw))
	if err != nil {
		return &scans.ConfigError{Err: fmt.Errorf("%w: %v", ErrSyntax, err)}
	}
	if res.Valid() {
		return nil
	}

	var merr *multierror.Error
	for _, e := range res.Errors() {
		merr = multierror.Append(merr, errors.New(e.String()))
	}
	return &scans.ConfigError{Err: fmt.Errorf("%w: %w", ErrSyntax, merr.ErrorOrNil())}
}

// versionString renders `version: 1.0` and `version: "1.0"` the same way.
func versionString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', 1, 64)
	case int:
		return strconv.Itoa(t) + ".0"
	default:
		return fmt.Sprint(t)
	}
}

// Versions lists the schema versions this build understands.
func Versions() []string {
	entries, _ := schemaFS.ReadDir("schemas")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		// schema_<version>.json
		out = append(out, n[len("schema_"):len(n)-len(".json")])
	}
	return out
}
