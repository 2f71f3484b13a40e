// Package condition decides whether a raw entry takes part in a reload.
//
// An entry opts in to conditional loading with a top-level "conditions" array
// of HCL expressions. Every expression must evaluate to true for the entry to
// be included. Expressions see:
//
//	loaded("name")  true when name is in Context.Loaded
//	flag("name")    value of Context.Flags[name], false when unset
//	env("NAME")     process environment lookup, "" when unset
//	vars.key        string values from Context.Vars
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Field is the payload key holding the expression list.
const Field = "conditions"

var (
	ErrMalformed = errors.New("condition: malformed conditions field")
	ErrSyntax    = errors.New("condition: expression syntax")
	ErrNotBool   = errors.New("condition: expression is not a boolean")
)

// Context is the state conditions are evaluated against. It is replaced, not
// mutated, between reloads.
type Context struct {
	Loaded []string
	Flags  map[string]bool
	Vars   map[string]string
}

// Evaluator is the inclusion predicate consumed by registries.
type Evaluator interface {
	Include(payload []byte, ctx Context) (bool, error)
}

// Always includes every entry.
type Always struct{}

func (Always) Include([]byte, Context) (bool, error) {
	return true, nil
}

// HCL evaluates the "conditions" array of a JSON payload.
type HCL struct {
	// Getenv backs env(); nil means os.Getenv.
	Getenv func(string) string
}

func NewHCL() *HCL {
	return &HCL{}
}

func (h *HCL) Include(payload []byte, ctx Context) (bool, error) {
	exprs, err := readConditions(payload)
	if err != nil {
		return false, err
	}
	if len(exprs) == 0 {
		return true, nil
	}

	evalCtx := h.evalContext(ctx)
	for i, src := range exprs {
		ok, err := evalOne(src, i, evalCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func readConditions(payload []byte) ([]string, error) {
	var head struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		// Not an object; codecs report this, not conditions.
		return nil, nil
	}
	if len(head.Conditions) == 0 || string(head.Conditions) == "null" {
		return nil, nil
	}
	var exprs []string
	if err := json.Unmarshal(head.Conditions, &exprs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return exprs, nil
}

func evalOne(src string, index int, evalCtx *hcl.EvalContext) (bool, error) {
	filename := Field + "[" + strconv.Itoa(index) + "]"
	expr, diags := hclsyntax.ParseExpression([]byte(src), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return false, fmt.Errorf("%w: %s", ErrSyntax, diags.Error())
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return false, fmt.Errorf("condition: %s: %s", filename, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() || !val.Type().Equals(cty.Bool) {
		return false, fmt.Errorf("%w: %s yields %s", ErrNotBool, filename, val.Type().FriendlyName())
	}
	return val.True(), nil
}

func (h *HCL) evalContext(ctx Context) *hcl.EvalContext {
	getenv := h.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	vars := make(map[string]cty.Value, len(ctx.Vars))
	for k, v := range ctx.Vars {
		vars[k] = cty.StringVal(v)
	}

	loaded := slices.Clone(ctx.Loaded)
	flags := ctx.Flags
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"vars": cty.ObjectVal(vars),
		},
		Functions: map[string]function.Function{
			"loaded": stringPredicate(func(name string) bool {
				return slices.Contains(loaded, name)
			}),
			"flag": stringPredicate(func(name string) bool {
				return flags[name]
			}),
			"env": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "name", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					return cty.StringVal(getenv(args[0].AsString())), nil
				},
			}),
		},
	}
}

func stringPredicate(fn func(string) bool) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.BoolVal(fn(args[0].AsString())), nil
		},
	})
}
