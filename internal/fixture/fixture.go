// Package fixture validates the JSON fixture files the harness reads against
// embedded CUE schemas.
package fixture

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSrc string

// Kind names a fixture schema.
type Kind string

const (
	KindValues       Kind = "values"
	KindRequirements Kind = "requirements"
	KindHTTPIn       Kind = "http-in"
)

var definitions = map[Kind]string{
	KindValues:       "#Values",
	KindRequirements: "#Requirements",
	KindHTTPIn:       "#HTTPIn",
}

// Error lists every schema violation found in one file.
type Error struct {
	File   string
	Kind   Kind
	Issues []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s fixture %s: %s", e.Kind, e.File, strings.Join(e.Issues, "; "))
}

// cue.Context is not safe for concurrent use.
var (
	mu      sync.Mutex
	once    sync.Once
	cctx    *cue.Context
	schema  cue.Value
	initErr error
)

func load() error {
	once.Do(func() {
		cctx = cuecontext.New()
		schema = cctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
		initErr = schema.Err()
	})
	return initErr
}

// Validate checks data (JSON) against the schema for kind. filename is used
// in error positions only.
func Validate(kind Kind, filename string, data []byte) error {
	def, ok := definitions[kind]
	if !ok {
		return fmt.Errorf("unknown fixture kind %q", kind)
	}

	mu.Lock()
	defer mu.Unlock()

	if err := load(); err != nil {
		return fmt.Errorf("compile fixture schema: %w", err)
	}

	expr, err := cuejson.Extract(filename, data)
	if err != nil {
		return &Error{File: filename, Kind: kind, Issues: []string{err.Error()}}
	}

	value := schema.LookupPath(cue.ParsePath(def)).Unify(cctx.BuildExpr(expr))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		var issues []string
		for _, e := range cueerrors.Errors(err) {
			issues = append(issues, e.Error())
		}
		return &Error{File: filename, Kind: kind, Issues: issues}
	}
	return nil
}

// DetectKind infers the fixture kind from a file name:
// *.requirements.json, *.http-in.json / *.http_in.json, and *values*.json.
func DetectKind(path string) (Kind, bool) {
	base := strings.ToLower(filepath.Base(path))
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	switch {
	case strings.HasSuffix(base, ".requirements.json"):
		return KindRequirements, true
	case strings.HasSuffix(base, ".http-in.json"), strings.HasSuffix(base, ".http_in.json"),
		strings.HasPrefix(base, "http-in"), strings.HasPrefix(base, "http_in"):
		return KindHTTPIn, true
	case strings.Contains(base, "values"):
		return KindValues, true
	}
	return "", false
}
