// Package config loads the CUE configuration of a quarry deployment: the
// backend and change log to open, the decorators to apply, logging, and
// the entity types to register.
//
// A configuration is a .cue file, or a directory of them, validated
// against the embedded schema. Omitted settings take the schema defaults:
//
//	backend: kind: "sqlite"
//	backend: path: "orders.db"
//	retry: attempts: 5
//	entities: Order: properties: [
//		{name: "id", kind: "int"},
//		{name: "status", kind: "string"},
//	]
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/build"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/quarry/internal/decorator"
	"github.com/roach88/quarry/internal/entity"
)

//go:embed schema.cue
var schemaSource string

// Error codes of LoadError.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeSchema  = "E201" // Value does not satisfy the schema
	ErrCodeEntity  = "E202" // Invalid entity declaration
	ErrCodeBackend = "E203" // Incomplete backend settings
)

// LoadError is a configuration error, positioned in the CUE source when
// the position is known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// cueError converts the first of the CUE errors in err to a LoadError.
func cueError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

// Config is a loaded configuration.
type Config struct {
	Backend   Backend   `json:"backend"`
	ChangeLog ChangeLog `json:"changelog"`
	Relay     *Relay    `json:"relay,omitempty"`
	Retry     Retry     `json:"retry"`
	Admit     int64     `json:"admit"`
	Lock      string    `json:"lock,omitempty"`
	Batch     Batch     `json:"batch"`
	Schedule  *Schedule `json:"schedule,omitempty"`
	Timeouts  *Timeouts `json:"timeouts,omitempty"`
	Features  Features  `json:"features"`
	Log       LogConfig `json:"log"`

	entities []*entity.Descriptor
}

// Backend selects the store: memory, sqlite (Path), postgres (DSN) or
// mongo (URI and Database).
type Backend struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	DSN      string `json:"dsn,omitempty"`
	URI      string `json:"uri,omitempty"`
	Database string `json:"database"`
}

// ChangeLog selects where changes are logged: in the backend, in a Redis
// stream per entity, or nowhere.
type ChangeLog struct {
	Kind   string `json:"kind"`
	Addr   string `json:"addr"`
	Prefix string `json:"prefix"`
}

// Relay names the gocloud pubsub topic and subscription URLs that carry
// changes between processes.
type Relay struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
}

type Retry struct {
	Attempts int    `json:"attempts"`
	Min      string `json:"min"`
	Max      string `json:"max"`
	Jitter   string `json:"jitter"`
}

type Batch struct {
	Size  int    `json:"size"`
	Delay string `json:"delay"`
}

type Schedule struct {
	Reads    int64 `json:"reads"`
	Writes   int64 `json:"writes"`
	Delivery int64 `json:"delivery"`
}

type Timeouts struct {
	Query      string `json:"query,omitempty"`
	Write      string `json:"write,omitempty"`
	FirstEvent string `json:"firstEvent,omitempty"`
}

// Features toggles the decorators that take no settings.
type Features struct {
	Metrics             bool `json:"metrics"`
	MandatoryProperties bool `json:"mandatoryProperties"`
	References          bool `json:"references"`
	Share               bool `json:"share"`
	TakeUntilClose      bool `json:"takeUntilClose"`
}

// Load reads the configuration at path, a .cue file or a directory of
// them.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
	}

	var instances []*build.Instance
	if info.IsDir() {
		instances = load.Instances([]string{"."}, &load.Config{Dir: path})
	} else {
		instances = load.Instances([]string{filepath.Base(path)}, &load.Config{Dir: filepath.Dir(path)})
	}
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueError(ErrCodeLoadFailed, inst.Err)
	}

	ctx := cuecontext.New()
	return decode(ctx, ctx.BuildInstance(inst))
}

// Parse reads a configuration from CUE source. filename positions errors.
func Parse(src []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	return decode(ctx, ctx.CompileBytes(src, cue.Filename(filename)))
}

// Default returns the configuration of an empty source: an in-memory
// backend with no entities.
func Default() *Config {
	cfg, err := Parse(nil, "default.cue")
	if err != nil {
		panic(fmt.Sprintf("config: default configuration: %v", err))
	}
	return cfg
}

func decode(ctx *cue.Context, v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}
	descs, err := entities(v.LookupPath(cue.ParsePath("entities")))
	if err != nil {
		return nil, err
	}
	cfg.entities = descs
	cfg.Log = cfg.Log.WithEnv()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	switch {
	case c.Backend.Kind == "postgres" && c.Backend.DSN == "":
		return &LoadError{Code: ErrCodeBackend, Message: "backend.dsn is required for postgres"}
	case c.Backend.Kind == "mongo" && c.Backend.URI == "":
		return &LoadError{Code: ErrCodeBackend, Message: "backend.uri is required for mongo"}
	}
	if _, err := c.Registry(); err != nil {
		return &LoadError{Code: ErrCodeEntity, Message: err.Error()}
	}
	return nil
}

// Entities returns the declared entity types in declaration order.
func (c *Config) Entities() []*entity.Descriptor { return c.entities }

// Registry returns a registry holding the declared entity types.
func (c *Config) Registry() (*entity.Registry, error) {
	return entity.NewRegistry(c.entities...)
}

// Decorator returns the decorator pipeline settings. reg serves reference
// refresh when it is enabled.
func (c *Config) Decorator(reg *entity.Registry) decorator.Config {
	d := decorator.Config{
		Metrics:             c.Features.Metrics,
		MandatoryProperties: c.Features.MandatoryProperties,
		Share:               c.Features.Share,
		RetryAttempts:       c.Retry.Attempts,
		Retry: []decorator.RetryOption{
			decorator.RetryPeriod(duration(c.Retry.Min), duration(c.Retry.Max)),
			decorator.RetryJitter(duration(c.Retry.Jitter)),
		},
		BatchSize:      c.Batch.Size,
		BatchDelay:     duration(c.Batch.Delay),
		Admit:          c.Admit,
		TakeUntilClose: c.Features.TakeUntilClose,
	}
	if c.Features.References {
		d.References = reg
	}
	if c.Schedule != nil {
		d.Pools = &decorator.Pools{Reads: c.Schedule.Reads, Writes: c.Schedule.Writes, Delivery: c.Schedule.Delivery}
	}
	if c.Timeouts != nil {
		d.Timeouts = &decorator.Timeouts{
			Query:      duration(c.Timeouts.Query),
			Write:      duration(c.Timeouts.Write),
			FirstEvent: duration(c.Timeouts.FirstEvent),
		}
	}
	switch c.Lock {
	case "writes":
		mode := decorator.LockWrites
		d.Lock = &mode
	case "all":
		mode := decorator.LockAll
		d.Lock = &mode
	}
	return d
}

// duration parses a schema-checked duration. Empty is zero.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// IsLoadError reports whether err is a configuration error and returns it.
func IsLoadError(err error) (*LoadError, bool) {
	var le *LoadError
	ok := errors.As(err, &le)
	return le, ok
}
