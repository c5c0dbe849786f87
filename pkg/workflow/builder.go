package workflow

import (
	"encoding/json"
	"fmt"
)

// Ref is a typed handle to the future value of a node. Refs are only valid
// inside the builder that produced them.
type Ref[T any] struct {
	node string
	b    *Builder
}

// Node returns the name of the node producing the value.
func (r Ref[T]) Node() string { return r.node }

// Builder records the graph declared by a workflow build function. The first
// construction error is kept and returned by New; later calls become no-ops.
type Builder struct {
	workflow string
	nodes    map[string]*Node
	stages   []*Stage
	group    *Stage
	guards   []Guard
	err      error
}

func newBuilder(workflow string) *Builder {
	return &Builder{
		workflow: workflow,
		nodes:    make(map[string]*Node),
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = fmt.Errorf("workflow '%s': %s", b.workflow, fmt.Sprintf(format, args...))
	}
}

// Parallel declares a group of nodes that run concurrently. The engine waits
// for every member before dispatching the next stage. Members may not consume
// each other's outputs.
func (b *Builder) Parallel(declare func(b *Builder)) {
	if b.err != nil {
		return
	}
	if b.group != nil {
		b.fail("nested parallel groups are not supported")
		return
	}
	stage := &Stage{Parallel: true}
	b.group = stage
	declare(b)
	b.group = nil
	if len(stage.Nodes) > 0 {
		b.stages = append(b.stages, stage)
		for _, n := range stage.Nodes {
			n.Stage = len(b.stages) - 1
		}
	}
}

func (b *Builder) addNode(n *Node, inputs ...string) bool {
	if b.err != nil {
		return false
	}
	if n.Name == "" {
		b.fail("empty node name")
		return false
	}
	if n.Name == InputNode {
		b.fail("node name '%s' is reserved", InputNode)
		return false
	}
	if _, exists := b.nodes[n.Name]; exists {
		b.fail("duplicate node name '%s'", n.Name)
		return false
	}
	for _, in := range inputs {
		if in == "" {
			continue
		}
		if err := b.checkInput(n.Name, in); err != nil {
			b.err = err
			return false
		}
		n.Inputs = append(n.Inputs, in)
	}
	n.Guards = append([]Guard(nil), b.guards...)
	b.nodes[n.Name] = n
	if b.group != nil {
		b.group.Nodes = append(b.group.Nodes, n)
		return true
	}
	b.stages = append(b.stages, &Stage{Nodes: []*Node{n}})
	n.Stage = len(b.stages) - 1
	return true
}

func (b *Builder) checkInput(node, input string) error {
	if input == InputNode {
		return nil
	}
	if _, ok := b.nodes[input]; !ok {
		return fmt.Errorf("workflow '%s': node '%s' references unknown node '%s'", b.workflow, node, input)
	}
	if b.group != nil {
		for _, member := range b.group.Nodes {
			if member.Name == input {
				return fmt.Errorf("workflow '%s': parallel node '%s' depends on '%s' from the same group", b.workflow, node, input)
			}
		}
	}
	return nil
}

func (b *Builder) owns(node string, owner *Builder) bool {
	if node == "" {
		return true
	}
	if owner != b {
		b.fail("reference to node '%s' from another workflow", node)
		return false
	}
	return true
}

// Invoke declares a call of step with the value of in. The node is named after
// the step.
func Invoke[In, Out any](b *Builder, step *Step[In, Out], in Ref[In]) Ref[Out] {
	if step == nil {
		b.fail("nil step")
		return Ref[Out]{}
	}
	return InvokeAs(b, step.Name(), step, in)
}

// InvokeAs declares a call of step under an alias, which allows the same step
// to appear several times in one workflow.
func InvokeAs[In, Out any](b *Builder, name string, step *Step[In, Out], in Ref[In]) Ref[Out] {
	if step == nil {
		b.fail("nil step for node '%s'", name)
		return Ref[Out]{}
	}
	if !b.owns(in.node, in.b) {
		return Ref[Out]{}
	}
	if !b.addNode(&Node{Name: name, Kind: NodeStep, Action: step}, in.node) {
		return Ref[Out]{}
	}
	return Ref[Out]{node: name, b: b}
}

// Transform declares a pure, synchronous mapping of an upstream value.
// Transforms are re-evaluated on resume and are not recorded in the log.
func Transform[A, B any](b *Builder, name string, a Ref[A], fn func(A) B) Ref[B] {
	if !b.owns(a.node, a.b) {
		return Ref[B]{}
	}
	n := &Node{
		Name: name,
		Kind: NodeTransform,
		transform: func(args []json.RawMessage) (json.RawMessage, error) {
			va, err := decode[A](arg(args, 0))
			if err != nil {
				return nil, Validation("transform '%s': %v", name, err)
			}
			return encode(fn(va))
		},
	}
	if !b.addNode(n, a.node) {
		return Ref[B]{}
	}
	return Ref[B]{node: name, b: b}
}

// Combine declares a pure mapping of two upstream values.
func Combine[A, B, C any](b *Builder, name string, a Ref[A], bRef Ref[B], fn func(A, B) C) Ref[C] {
	if !b.owns(a.node, a.b) || !b.owns(bRef.node, bRef.b) {
		return Ref[C]{}
	}
	n := &Node{
		Name: name,
		Kind: NodeTransform,
		transform: func(args []json.RawMessage) (json.RawMessage, error) {
			va, err := decode[A](arg(args, 0))
			if err != nil {
				return nil, Validation("transform '%s': %v", name, err)
			}
			vb, err := decode[B](arg(args, 1))
			if err != nil {
				return nil, Validation("transform '%s': %v", name, err)
			}
			return encode(fn(va, vb))
		},
	}
	if !b.addNode(n, a.node, bRef.node) {
		return Ref[C]{}
	}
	return Ref[C]{node: name, b: b}
}

// When declares nodes that only run if pred holds for the value of ref.
// Skipped nodes produce no log entries and their refs resolve to zero values.
func When[T any](b *Builder, ref Ref[T], pred func(T) bool, declare func(b *Builder)) {
	if b.err != nil || !b.owns(ref.node, ref.b) {
		return
	}
	if ref.node == "" {
		b.fail("condition without a value")
		return
	}
	if err := b.checkInput("condition", ref.node); err != nil {
		b.err = err
		return
	}
	guard := Guard{
		Input: ref.node,
		allow: func(raw json.RawMessage) (bool, error) {
			v, err := decode[T](raw)
			if err != nil {
				return false, Validation("condition on '%s': %v", ref.node, err)
			}
			return pred(v), nil
		},
	}
	b.guards = append(b.guards, guard)
	declare(b)
	b.guards = b.guards[:len(b.guards)-1]
}

func arg(args []json.RawMessage, i int) json.RawMessage {
	if i < len(args) {
		return args[i]
	}
	return nil
}
