package workflow

import (
	"encoding/json"
	"fmt"
)

// InputNode is the name under which the workflow input is available to nodes.
const InputNode = "$input"

type NodeKind int

const (
	NodeStep NodeKind = iota
	NodeTransform
)

func (k NodeKind) String() string {
	if k == NodeTransform {
		return "transform"
	}
	return "step"
}

// Guard makes a node conditional on the value of an upstream node.
type Guard struct {
	Input string
	allow func(json.RawMessage) (bool, error)
}

// Allows evaluates the guard against the upstream value.
func (g Guard) Allows(v json.RawMessage) (bool, error) {
	return g.allow(v)
}

// Node is a vertex of the workflow graph: a step invocation or a transform.
type Node struct {
	Name   string
	Kind   NodeKind
	Action Action   // set for NodeStep
	Inputs []string // upstream node names, InputNode for the workflow input
	Guards []Guard
	Stage  int

	transform func(args []json.RawMessage) (json.RawMessage, error)
}

// Transform evaluates a transform node against its resolved inputs.
func (n *Node) Transform(args []json.RawMessage) (json.RawMessage, error) {
	if n.transform == nil {
		return nil, fmt.Errorf("node '%s' is not a transform", n.Name)
	}
	return n.transform(args)
}

// Stage is a set of nodes dispatched together. Nodes of a parallel stage run
// concurrently and are joined before the next stage starts.
type Stage struct {
	Parallel bool
	Nodes    []*Node
}

// Definition is an immutable, validated workflow graph.
type Definition struct {
	name          string
	description   string
	successEvent  string
	stages        []*Stage
	nodes         map[string]*Node
	output        string
	validateInput func(json.RawMessage) error
}

// Option customises a Definition at construction time.
type Option func(*Definition)

func WithDescription(description string) Option {
	return func(d *Definition) { d.description = description }
}

// EmitOnSuccess makes the engine emit the named event, carrying the workflow
// output, once a run of this workflow completes.
func EmitOnSuccess(eventName string) Option {
	return func(d *Definition) { d.successEvent = eventName }
}

// New runs build exactly once to capture the workflow graph. No step is
// invoked while building; the returned definition can be registered with an
// engine and reused for any number of runs.
func New[In, Out any](name string, build func(b *Builder, in Ref[In]) Ref[Out], opts ...Option) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("empty workflow name")
	}
	if build == nil {
		return nil, fmt.Errorf("workflow '%s': nil build function", name)
	}
	b := newBuilder(name)
	out := build(b, Ref[In]{node: InputNode, b: b})
	if b.err != nil {
		return nil, b.err
	}
	if out.node != "" && out.node != InputNode {
		if out.b != b {
			return nil, fmt.Errorf("workflow '%s': output belongs to another workflow", name)
		}
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("workflow '%s' declares no steps", name)
	}
	def := &Definition{
		name:   name,
		stages: b.stages,
		nodes:  b.nodes,
		output: out.node,
		validateInput: func(raw json.RawMessage) error {
			_, err := decode[In](raw)
			return err
		},
	}
	for _, opt := range opts {
		opt(def)
	}
	return def, nil
}

// MustNew is like New but panics on an invalid graph. Intended for
// package-level definitions.
func MustNew[In, Out any](name string, build func(b *Builder, in Ref[In]) Ref[Out], opts ...Option) *Definition {
	def, err := New(name, build, opts...)
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition) Name() string         { return d.name }
func (d *Definition) Description() string  { return d.description }
func (d *Definition) SuccessEvent() string { return d.successEvent }

// Output is the name of the node whose value is the workflow result, or an
// empty string for workflows without output.
func (d *Definition) Output() string { return d.output }

// Stages returns the stages in dispatch order.
func (d *Definition) Stages() []*Stage {
	out := make([]*Stage, len(d.stages))
	copy(out, d.stages)
	return out
}

func (d *Definition) Node(name string) (*Node, bool) {
	n, ok := d.nodes[name]
	return n, ok
}

// Steps returns the names of the step nodes in declaration order.
func (d *Definition) Steps() []string {
	var names []string
	for _, stage := range d.stages {
		for _, n := range stage.Nodes {
			if n.Kind == NodeStep {
				names = append(names, n.Name)
			}
		}
	}
	return names
}

// ValidateInput checks that raw decodes into the workflow's input type.
func (d *Definition) ValidateInput(raw json.RawMessage) error {
	if d.validateInput == nil {
		return nil
	}
	if err := d.validateInput(raw); err != nil {
		return Validation("invalid input for workflow '%s': %v", d.name, err)
	}
	return nil
}
