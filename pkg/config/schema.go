package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// agentSchema constrains the invariants struct tags cannot express:
// cross-field shape and value ranges. Structs stay open so adding a
// field does not require touching the schema.
const agentSchema = `
#Config: {
	api: {
		listen_address: string & !=""
		read_timeout:     int & >=0
		write_timeout:    int & >=0
		shutdown_timeout: int & >=0
		...
	}
	heartbeat: {
		// Controller liveness timeout must leave room for the 0.3-0.6
		// jitter window: anything under a second beats constantly.
		timeout: int & >=1000000000
		...
	}
	...
}
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaCtx   *cue.Context
	schemaErr   error
)

func compiledSchema() (cue.Value, *cue.Context, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaValue = schemaCtx.CompileString(agentSchema)
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		schemaValue = schemaValue.LookupPath(cue.ParsePath("#Config"))
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to resolve config schema: %w", err)
		}
	})
	return schemaValue, schemaCtx, schemaErr
}

// validateSchema unifies the configuration with the CUE schema.
func validateSchema(c *Config) error {
	schema, ctx, err := compiledSchema()
	if err != nil {
		return err
	}

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
