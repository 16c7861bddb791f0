// Package config parses the task specs the supervisor CLI accepts into
// supervisortask.Spec values.
package config

import (
	"fmt"
	"strings"

	"github.com/zeropid/procsuper/internal/supervisortask"
)

// TaskFlag is one --task flag value, in the form:
//
//	name=program:arg1,arg2,...[;user=USER][;restart=true|false]
//
// Only name and program are required. Grounded on this package's CLI
// surface needing one self-contained flag per task rather than a
// config file format the spec doesn't define.
type TaskFlag struct {
	Name    string
	Program string
	Args    []string
	User    string
	Restart bool
}

// Parse turns one --task flag's raw value into a supervisortask.Spec.
func Parse(raw string) (supervisortask.Spec, error) {
	nameProgram := strings.SplitN(raw, "=", 2)
	if len(nameProgram) != 2 || nameProgram[0] == "" {
		return supervisortask.Spec{}, fmt.Errorf("config: task %q: expected name=program[:args][;opt=val...]", raw)
	}
	name := nameProgram[0]

	parts := strings.Split(nameProgram[1], ";")
	progArgs := strings.SplitN(parts[0], ":", 2)
	program := progArgs[0]
	if program == "" {
		return supervisortask.Spec{}, fmt.Errorf("config: task %q: missing program path", raw)
	}

	var argv []string
	if len(progArgs) == 2 && progArgs[1] != "" {
		argv = strings.Split(progArgs[1], ",")
	}
	argv = append([]string{program}, argv...)

	spec := supervisortask.Spec{Name: name, Program: program, Argv: argv}

	for _, opt := range parts[1:] {
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) != 2 {
			return supervisortask.Spec{}, fmt.Errorf("config: task %q: malformed option %q", raw, opt)
		}
		switch kv[0] {
		case "user":
			spec.User = kv[1]
		case "restart":
			spec.Restart = kv[1] == "true"
		default:
			return supervisortask.Spec{}, fmt.Errorf("config: task %q: unknown option %q", raw, kv[0])
		}
	}

	return spec, nil
}

// ParseAll parses every --task flag value in order.
func ParseAll(raw []string) ([]supervisortask.Spec, error) {
	specs := make([]supervisortask.Spec, 0, len(raw))
	for _, r := range raw {
		spec, err := Parse(r)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
