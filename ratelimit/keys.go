package ratelimit

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

// KeyResolver derives the rate-limiter key for an invocation: the declared name
// (or the operation key) optionally suffixed by a resolved expression over the
// call's arguments. Argument values resolving to the same key share one bucket.
//
// Placeholders are written {expr}: {0} is positional, {user} looks up a named
// parameter, and property access like {user.ID} is evaluated with expr-lang.
// A placeholder that fails to resolve keeps its literal text and is logged at
// Warn, never dropped silently.
type KeyResolver struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
	logger   *slog.Logger
}

// NewKeyResolver creates a resolver.
func NewKeyResolver(logger *slog.Logger) *KeyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyResolver{
		programs: make(map[string]*vm.Program),
		logger:   logger,
	}
}

// Resolve returns the full bucket key for inv under cfg.
func (r *KeyResolver) Resolve(inv *invocation.Invocation, cfg *policy.RateLimiter) string {
	base := cfg.Name
	if base == "" {
		base = string(inv.Key())
	}
	if cfg.KeyExpression == "" {
		return base
	}
	return base + ":" + r.expand(cfg.KeyExpression, inv)
}

func (r *KeyResolver) expand(template string, inv *invocation.Invocation) string {
	var out strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			return out.String()
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:open])
		placeholder := rest[open+1 : open+close]
		out.WriteString(r.resolvePlaceholder(placeholder, inv))
		rest = rest[open+close+1:]
	}
}

func (r *KeyResolver) resolvePlaceholder(placeholder string, inv *invocation.Invocation) string {
	literal := "{" + placeholder + "}"
	args := inv.Args()

	if idx, err := strconv.Atoi(placeholder); err == nil {
		if idx < 0 || idx >= len(args) {
			r.logger.Warn("rate-limit key placeholder out of range, keeping literal",
				"placeholder", placeholder, "operation", string(inv.Key()))
			return literal
		}
		return stringify(args[idx])
	}

	program, err := r.program(placeholder)
	if err != nil {
		r.logger.Warn("rate-limit key placeholder failed to compile, keeping literal",
			"placeholder", placeholder, "operation", string(inv.Key()), "error", err)
		return literal
	}

	env := map[string]interface{}{"args": args}
	for i, name := range inv.ArgNames() {
		if i >= len(args) {
			break
		}
		env[name] = args[i]
	}

	value, err := expr.Run(program, env)
	if err != nil || value == nil {
		r.logger.Warn("rate-limit key placeholder failed to resolve, keeping literal",
			"placeholder", placeholder, "operation", string(inv.Key()), "error", err)
		return literal
	}
	return stringify(value)
}

func (r *KeyResolver) program(placeholder string) (*vm.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.programs[placeholder]; ok {
		return p, nil
	}
	p, err := expr.Compile(placeholder, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	r.programs[placeholder] = p
	return p, nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
