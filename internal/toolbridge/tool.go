package toolbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/MrWong99/starlight/pkg/upstream"
)

// Sentinel errors wrapped by [ValidationError].
var (
	ErrUnknownTool      = errors.New("toolbridge: unknown tool")
	ErrInvalidArguments = errors.New("toolbridge: invalid arguments")
)

// ValidationError reports a tool call whose arguments were rejected. The
// invocation is discarded; the call itself continues.
type ValidationError struct {
	Tool      string
	RequestID string

	// Problems lists each violation as "field: description".
	Problems []string

	// Err is [ErrUnknownTool] or [ErrInvalidArguments].
	Err error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%v: %s (request %s)", e.Err, e.Tool, e.RequestID)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Tool is a callable tool with a schema reflected from its argument type.
type Tool struct {
	name        string
	description string
	params      map[string]any
	schema      *gojsonschema.Schema

	// decode validates the decoded arguments beyond the schema and returns
	// the domain payload.
	decode func(args json.RawMessage) (any, []string, error)
}

// NewTool builds a tool whose arguments are a JSON object shaped like T.
// check runs after the schema accepted the arguments and may rewrite them;
// it returns the problems it found, if any.
func NewTool[T any](name, description string, check func(*T) []string) (*Tool, error) {
	r := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	s := r.ReflectFromType(reflect.TypeFor[T]())
	s.Version = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("toolbridge: marshal schema for %s: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("toolbridge: compile schema for %s: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("toolbridge: decode schema for %s: %w", name, err)
	}
	stripUnsupported(params)

	return &Tool{
		name:        name,
		description: description,
		params:      params,
		schema:      compiled,
		decode: func(args json.RawMessage) (any, []string, error) {
			var v T
			if err := json.Unmarshal(args, &v); err != nil {
				return nil, nil, err
			}
			if check != nil {
				if problems := check(&v); len(problems) > 0 {
					return nil, problems, nil
				}
			}
			return v, nil, nil
		},
	}, nil
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Declaration returns the tool as advertised to the upstream service.
func (t *Tool) Declaration() upstream.ToolDeclaration {
	return upstream.ToolDeclaration{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.params,
	}
}

// validate checks args against the schema and the tool's own rules and
// returns the decoded payload.
func (t *Tool) validate(args json.RawMessage) (any, []string) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	res, err := t.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, []string{"(root): " + err.Error()}
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			problems = append(problems, e.Field()+": "+e.Description())
		}
		return nil, problems
	}
	v, problems, err := t.decode(args)
	if err != nil {
		return nil, []string{"(root): " + err.Error()}
	}
	return v, problems
}

// stripUnsupported removes schema keywords function-calling APIs reject in
// parameter declarations. Validation keeps using the full schema.
func stripUnsupported(m map[string]any) {
	delete(m, "$schema")
	delete(m, "$id")
	delete(m, "additionalProperties")
	for _, v := range m {
		switch v := v.(type) {
		case map[string]any:
			stripUnsupported(v)
		case []any:
			for _, e := range v {
				if sub, ok := e.(map[string]any); ok {
					stripUnsupported(sub)
				}
			}
		}
	}
}
