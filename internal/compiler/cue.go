package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// ParseDefinition parses one factory struct into a Definition.
// The CUE value should be the factory itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`factory: review: { start: "draft", states: {...} }`)
//	def, err := ParseDefinition(v.LookupPath(cue.ParsePath("factory.review")))
func ParseDefinition(v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{Pos: v.Pos()}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.ID = labels[len(labels)-1].String()
	}
	if idVal := v.LookupPath(cue.ParsePath("id")); idVal.Exists() {
		id, err := idVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.ID = id
	}
	if def.ID == "" {
		return nil, &CompileError{Field: "id", Message: "factory id is required", Pos: v.Pos()}
	}

	startVal := v.LookupPath(cue.ParsePath("start"))
	if !startVal.Exists() {
		return nil, &CompileError{Field: "start", Message: "start is required", Pos: v.Pos()}
	}
	start, err := startVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	def.Start = start

	def.Context = map[string]any{}
	if ctxVal := v.LookupPath(cue.ParsePath("context")); ctxVal.Exists() {
		if err := decodeJSON(ctxVal, &def.Context); err != nil {
			return nil, &CompileError{Field: "context", Message: err.Error(), Pos: ctxVal.Pos()}
		}
	}

	if guardsVal := v.LookupPath(cue.ParsePath("guards")); guardsVal.Exists() {
		if err := decodeJSON(guardsVal, &def.Guards); err != nil {
			return nil, &CompileError{Field: "guards", Message: err.Error(), Pos: guardsVal.Pos()}
		}
	}

	statesVal := v.LookupPath(cue.ParsePath("states"))
	if !statesVal.Exists() {
		return nil, &CompileError{Field: "states", Message: "states are required", Pos: v.Pos()}
	}
	iter, err := statesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Selector().Unquoted()
		sd := StateDef{ID: id, Pos: iter.Value().Pos()}
		if err := decodeJSON(iter.Value(), &sd); err != nil {
			return nil, &CompileError{Field: "states." + id, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		def.States = append(def.States, sd)
	}

	return def, nil
}

// decodeJSON converts a concrete CUE value into dst through its JSON form,
// so numbers in user context land as float64 like every other JSON input.
func decodeJSON(v cue.Value, dst any) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return formatCUEError(err)
	}
	return json.Unmarshal(data, dst)
}

// ParseSource compiles CUE source text and parses every factory it declares.
func ParseSource(filename string, src []byte) ([]*Definition, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	defs, errs := parseFactories(value)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return defs, nil
}

// LoadDefinitions loads the CUE package in dir and parses every factory in it.
// All per-factory errors are collected.
func LoadDefinitions(dir string) ([]*Definition, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("definitions directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("scanning %s: %w", dir, err)}
	}
	if len(cueFiles) == 0 {
		return nil, []error{fmt.Errorf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded from %s", dir)}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{fmt.Errorf("loading CUE files: %w", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}
	return parseFactories(value)
}

func parseFactories(value cue.Value) ([]*Definition, []error) {
	factories := value.LookupPath(cue.ParsePath("factory"))
	if !factories.Exists() {
		return nil, []error{fmt.Errorf("no factory definitions found")}
	}
	iter, err := factories.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var (
		defs []*Definition
		errs []error
	)
	for iter.Next() {
		def, err := ParseDefinition(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("factory.%s: %w", iter.Selector().Unquoted(), err))
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
