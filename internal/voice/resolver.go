// Package voice maps configured voice identifiers onto the closed set of
// canonical voices accepted by the upstream endpoint.
package voice

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical voice names accepted by the endpoint.
const (
	Puck   = "Puck"
	Charon = "Charon"
	Kore   = "Kore"
	Fenrir = "Fenrir"
	Aoede  = "Aoede"
)

// DefaultVoice is used when the input is empty or unknown.
const DefaultVoice = Charon

// canonical is the closed set of voices.
var canonical = map[string]string{
	strings.ToLower(Puck):   Puck,
	strings.ToLower(Charon): Charon,
	strings.ToLower(Kore):   Kore,
	strings.ToLower(Fenrir): Fenrir,
	strings.ToLower(Aoede):  Aoede,
}

// legacyAliases maps voice names from the previous telephony backend onto
// canonical voices. Matching is case-insensitive.
var legacyAliases = map[string]string{
	"matthew":  Puck,
	"joanna":   Kore,
	"ruth":     Kore,
	"stephen":  Fenrir,
	"gregory":  Charon,
	"tiffany":  Aoede,
	"amy":      Aoede,
	"danielle": Kore,
}

// Resolver resolves voice identifiers and validates streaming knobs.
type Resolver struct {
	defaultVoice string
	aliases      map[string]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefault overrides the fallback voice.
func WithDefault(name string) Option {
	return func(r *Resolver) { r.defaultVoice = name }
}

// WithAliases merges additional alias→canonical mappings over the built-in
// legacy table. Keys are matched case-insensitively.
func WithAliases(aliases map[string]string) Option {
	return func(r *Resolver) {
		for k, v := range aliases {
			r.aliases[strings.ToLower(k)] = v
		}
	}
}

// NewResolver creates a Resolver with the built-in legacy alias table.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		defaultVoice: DefaultVoice,
		aliases:      make(map[string]string, len(legacyAliases)),
	}
	for k, v := range legacyAliases {
		r.aliases[k] = v
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps id onto a canonical voice. Unknown or empty input yields the
// default. Resolve is idempotent: Resolve(Resolve(x)) == Resolve(x).
func (r *Resolver) Resolve(id string) string {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return r.defaultVoice
	}
	if name, ok := canonical[key]; ok {
		return name
	}
	if name, ok := r.aliases[key]; ok {
		return name
	}
	return r.defaultVoice
}

// Knobs are the numeric streaming parameters validated alongside the voice
// configuration.
type Knobs struct {
	ReconnectMaxRetries int
	ReconnectBaseDelay  time.Duration
	ToolTimeout         time.Duration
}

// Validate checks that the configured default voice is canonical and that
// the numeric knobs are in range. All failures are reported together.
func (r *Resolver) Validate(k Knobs) error {
	var errs []error

	if _, ok := canonical[strings.ToLower(r.defaultVoice)]; !ok {
		errs = append(errs, fmt.Errorf("voice: default %q is not a canonical voice", r.defaultVoice))
	}
	for alias, target := range r.aliases {
		if _, ok := canonical[strings.ToLower(target)]; !ok {
			errs = append(errs, fmt.Errorf("voice: alias %q maps to unknown voice %q", alias, target))
		}
	}
	if k.ReconnectMaxRetries < 0 || k.ReconnectMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("voice: reconnect retries %d out of range [0, 10]", k.ReconnectMaxRetries))
	}
	if k.ReconnectBaseDelay < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("voice: reconnect base delay %s below 100ms minimum", k.ReconnectBaseDelay))
	}
	if k.ToolTimeout < time.Second {
		errs = append(errs, fmt.Errorf("voice: tool timeout %s below 1s minimum", k.ToolTimeout))
	}
	return errors.Join(errs...)
}

// Canonical returns the closed set of canonical voice names.
func Canonical() []string {
	return []string{Puck, Charon, Kore, Fenrir, Aoede}
}
