package retry

import (
	"context"
	"os"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Invoker executes a named action against a target. It is the host runtime's
// contract: a returned error counts as a failed attempt.
type Invoker interface {
	Invoke(ctx context.Context, action string, target TargetSpec, params map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, action string, target TargetSpec, params map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, action string, target TargetSpec, params map[string]any) (any, error) {
	return f(ctx, action, target, params)
}

// StateProvider exposes the host's entity/state store. Resolution methods
// return nil when the id is unknown; State returns an error when the entity
// is unavailable.
type StateProvider interface {
	State(entityID string) (string, map[string]any, error)
	ExpandGroup(entityID string) []string
	ResolveArea(areaID string) []string
	ResolveDevice(deviceID string) []string
	DomainEntities(domain string) []string
}

// RepairReporter records a user-visible problem, independent of logging.
type RepairReporter interface {
	Report(subject, detail string)
}

// RepairFunc adapts a function to the RepairReporter interface.
type RepairFunc func(subject, detail string)

func (f RepairFunc) Report(subject, detail string) { f(subject, detail) }

// Options are install-time settings loaded once at startup. They are not
// part of the retry algorithm's runtime state.
type Options struct {
	// DisableRepair suppresses repair tickets unless a Spec opts back in.
	DisableRepair bool `json:"disable_repair" yaml:"disable_repair"`
	// DisableInitialCheck forces at least one real attempt even when the
	// target already satisfies the expected state at setup.
	DisableInitialCheck bool `json:"disable_initial_check" yaml:"disable_initial_check"`
}

// ParseOptions decodes install options from YAML or JSON bytes.
func ParseOptions(data []byte) (Options, error) {
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, errors.Wrap(err, errors.CategoryBadInput, "failed to parse install options").
			WithTextCode(ErrCodeInvalidOptions)
	}
	return opts, nil
}

// LoadOptions reads install options from a file.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrap(err, errors.CategoryExternal, "failed to read install options").
			WithTextCode(ErrCodeInvalidOptions).
			WithMetadata(map[string]any{"path": path})
	}
	return ParseOptions(data)
}
