package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource []byte

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
		if v.Err() != nil {
			schemaErr = fmt.Errorf("error building config schema: %v", v.Err())
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Config"))
		if !schemaDef.Exists() {
			schemaErr = fmt.Errorf("#Config definition not found in schema")
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// Validate checks cfg against the embedded schema. Durations are checked
// in nanoseconds, the form encoding/json gives them.
func Validate(cfg *Config) error {
	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	v := ctx.CompileBytes(data, cue.Filename("config.json"))
	if v.Err() != nil {
		return v.Err()
	}

	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", cueerrors.Details(err, nil))
	}
	return nil
}
