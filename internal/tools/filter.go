package tools

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled admission rule for discovered tools. The expression
// sees the variables server, name and description and must yield a bool:
//
//	not (name startsWith "delete_")
//	server != "scratch" || name == "echo"
type Filter struct {
	Source  string
	program *vm.Program
}

type filterEnv struct {
	Server      string `expr:"server"`
	Name        string `expr:"name"`
	Description string `expr:"description"`
}

// CompileFilter type-checks and compiles a filter expression.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("tool filter compile error: %w", err)
	}
	return &Filter{Source: source, program: program}, nil
}

// Allow reports whether a tool is admitted. A nil filter admits everything.
func (f *Filter) Allow(server, name, description string) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, filterEnv{Server: server, Name: name, Description: description})
	if err != nil {
		return false, fmt.Errorf("tool filter eval error for %q: %w", f.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("tool filter %q returned %T, expected bool", f.Source, out)
	}
	return b, nil
}
