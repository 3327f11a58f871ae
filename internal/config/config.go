package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/conserve/internal/capability"
	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/ledger"
	"github.com/roach88/conserve/internal/limiter"
)

//go:embed schema.cue
var schemaSource string

// Config is the file form of the engine configuration. Energy amounts are
// normalized decimals; durations are Go duration strings.
type Config struct {
	TotalEnergy       ir.Energy `json:"total_energy" yaml:"total_energy" toml:"total_energy"`
	DecayRate         ir.Energy `json:"decay_rate" yaml:"decay_rate" toml:"decay_rate"`
	DormancyThreshold ir.Energy `json:"dormancy_threshold" yaml:"dormancy_threshold" toml:"dormancy_threshold"`

	Transfer     TransferConfig            `json:"transfer" yaml:"transfer" toml:"transfer"`
	Capabilities CapabilityConfig          `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Resources    map[string]ResourceConfig `json:"resources" yaml:"resources" toml:"resources"`
}

// TransferConfig bounds how much an entity may transfer out per window.
type TransferConfig struct {
	MaxAmount ir.Energy `json:"max_amount" yaml:"max_amount" toml:"max_amount"`
	Window    Duration  `json:"window" yaml:"window" toml:"window"`
}

// CapabilityConfig configures the capability registry.
type CapabilityConfig struct {
	Admin     string   `json:"admin" yaml:"admin" toml:"admin"`
	AdminOnly []string `json:"admin_only" yaml:"admin_only" toml:"admin_only"`

	// Required maps an operation kind to the capability its actor must hold.
	// An empty capability removes the requirement.
	Required map[string]string `json:"required" yaml:"required" toml:"required"`

	BootstrapAdmins []string `json:"bootstrap_admins" yaml:"bootstrap_admins" toml:"bootstrap_admins"`
}

// ResourceConfig is a per-entity ceiling. A zero window makes it a standing
// quota released by free_resource instead of a rate.
type ResourceConfig struct {
	Ceiling int64    `json:"ceiling" yaml:"ceiling" toml:"ceiling"`
	Window  Duration `json:"window" yaml:"window" toml:"window"`
}

// Default returns the file form of engine.DefaultConfig.
func Default() Config {
	return FromEngine(engine.DefaultConfig())
}

// FromEngine converts an engine configuration to its file form.
func FromEngine(ec engine.Config) Config {
	c := Config{
		TotalEnergy:       ec.Ledger.Total,
		DecayRate:         ec.Ledger.DecayRate,
		DormancyThreshold: ec.Ledger.DormancyThreshold,
		Transfer: TransferConfig{
			MaxAmount: ec.Ledger.MaxTransfer,
			Window:    Duration(ec.Ledger.TransferWindow),
		},
		Capabilities: CapabilityConfig{
			Admin:           string(ec.AdminCapability),
			AdminOnly:       []string{},
			Required:        make(map[string]string, len(ec.Required)),
			BootstrapAdmins: []string{},
		},
		Resources: make(map[string]ResourceConfig, len(ec.Limits)),
	}
	for _, capName := range ec.AdminOnly {
		c.Capabilities.AdminOnly = append(c.Capabilities.AdminOnly, string(capName))
	}
	for op, capName := range ec.Required {
		c.Capabilities.Required[string(op)] = string(capName)
	}
	for _, id := range ec.BootstrapAdmins {
		c.Capabilities.BootstrapAdmins = append(c.Capabilities.BootstrapAdmins, string(id))
	}
	for kind, lim := range ec.Limits {
		c.Resources[string(kind)] = ResourceConfig{Ceiling: lim.Ceiling, Window: Duration(lim.Window)}
	}
	return c
}

// Load reads path, overlays it on Default and validates the result.
// The format is chosen by extension: .yaml/.yml, .toml or .cue.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the format named by ext over Default and validates
// the result.
func Parse(data []byte, ext string) (Config, error) {
	c := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &c)
		if err != nil {
			return Config{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode toml: unknown key %s", undecoded[0])
		}
	case ".cue":
		if err := decodeCUE(data, &c); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// decodeCUE evaluates a CUE document and overlays its concrete JSON form.
func decodeCUE(data []byte, c *Config) error {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename("config.cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile cue: %s", cueerrors.Details(err, nil))
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("evaluate cue: %s", cueerrors.Details(err, nil))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode cue: %w", err)
	}
	return nil
}

// ValidationError reports a configuration that violates the schema or a
// cross-field rule.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Message
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks c against the embedded schema and the rules the schema
// cannot express.
func (c Config) Validate() error {
	raw, err := json.Marshal(c.normalized())
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	doc := ctx.CompileBytes(raw, cue.Filename("config.json"))
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Message: strings.TrimSpace(cueerrors.Details(err, nil))}
	}

	if c.Transfer.MaxAmount > 0 && c.Transfer.Window <= 0 {
		return &ValidationError{Message: "transfer.window must be positive when transfer.max_amount is set"}
	}
	for op := range c.Capabilities.Required {
		if !slices.Contains(engine.OpKinds, engine.OpKind(op)) {
			return &ValidationError{Message: fmt.Sprintf("capabilities.required: unknown operation %q", op)}
		}
	}
	if slices.Contains(c.Capabilities.AdminOnly, "") {
		return &ValidationError{Message: "capabilities.admin_only: empty capability"}
	}
	return nil
}

// normalized replaces nil collections so the JSON form has no nulls.
func (c Config) normalized() Config {
	if c.Capabilities.AdminOnly == nil {
		c.Capabilities.AdminOnly = []string{}
	}
	if c.Capabilities.BootstrapAdmins == nil {
		c.Capabilities.BootstrapAdmins = []string{}
	}
	if c.Capabilities.Required == nil {
		c.Capabilities.Required = map[string]string{}
	}
	if c.Resources == nil {
		c.Resources = map[string]ResourceConfig{}
	}
	return c
}

// Engine converts c to an engine configuration.
func (c Config) Engine() engine.Config {
	ec := engine.Config{
		Ledger: ledger.Config{
			Total:             c.TotalEnergy,
			DecayRate:         c.DecayRate,
			MaxTransfer:       c.Transfer.MaxAmount,
			TransferWindow:    c.Transfer.Window.Std(),
			DormancyThreshold: c.DormancyThreshold,
		},
		Limits:          make(map[ir.ResourceKind]limiter.Limit, len(c.Resources)),
		AdminCapability: ir.Capability(c.Capabilities.Admin),
		Required:        make(map[engine.OpKind]ir.Capability, len(c.Capabilities.Required)),
	}
	if ec.AdminCapability == "" {
		ec.AdminCapability = capability.DefaultAdmin
	}
	for kind, rc := range c.Resources {
		ec.Limits[ir.ResourceKind(kind)] = limiter.Limit{Ceiling: rc.Ceiling, Window: rc.Window.Std()}
	}
	for _, name := range c.Capabilities.AdminOnly {
		ec.AdminOnly = append(ec.AdminOnly, ir.Capability(name))
	}
	for op, name := range c.Capabilities.Required {
		if name == "" {
			continue
		}
		ec.Required[engine.OpKind(op)] = ir.Capability(name)
	}
	for _, id := range c.Capabilities.BootstrapAdmins {
		ec.BootstrapAdmins = append(ec.BootstrapAdmins, ir.EntityID(id))
	}
	return ec
}
