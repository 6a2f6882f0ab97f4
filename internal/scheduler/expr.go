// Package scheduler turns worker-returned task results into the next
// wave of child tasks. It is driven by the task manager, never the
// driver of it: results flow in, CreateTasks / LeafTaskComplete /
// FinalTaskComplete flow back.
//
// The computation bodies this scheduler understands are expression
// trees: a leaf carries a value (or a deliberate fault), Parallel forks
// all children and combines their values in order, Choice forks all
// children and takes the first value, cancelling the rest. Bodies are
// gob-encoded and opaque to everything outside this package and the
// worker-side evaluator.
package scheduler

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// ExprKind tags one node of a computation tree.
type ExprKind int

const (
	KindLeaf ExprKind = iota
	KindParallel
	KindChoice
	KindFault
)

// Expr is one node of a computation body.
type Expr struct {
	Kind     ExprKind
	Value    []byte
	Fail     string
	Children []*Expr
	// Delay simulates work at the leaf; evaluation honors cancellation
	// while sleeping.
	Delay time.Duration
}

// Leaf returns a leaf producing value.
func Leaf(value []byte) *Expr { return &Expr{Kind: KindLeaf, Value: value} }

// SlowLeaf returns a leaf producing value after d of simulated work.
func SlowLeaf(value []byte, d time.Duration) *Expr {
	return &Expr{Kind: KindLeaf, Value: value, Delay: d}
}

// Parallel forks children and combines their values in order.
func Parallel(children ...*Expr) *Expr { return &Expr{Kind: KindParallel, Children: children} }

// Choice forks children and resolves to the first value produced.
func Choice(children ...*Expr) *Expr { return &Expr{Kind: KindChoice, Children: children} }

// Faulty returns a leaf that fails with msg when evaluated.
func Faulty(msg string) *Expr { return &Expr{Kind: KindFault, Fail: msg} }

// EncodeExpr serializes a body for dispatch.
func EncodeExpr(e *Expr) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeExpr deserializes a body.
func DecodeExpr(raw []byte) (*Expr, error) {
	var e Expr
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &e, nil
}

// Outcome is the worker-side evaluation of one node, carried inside the
// task result value. Either the node finished with a value, or it forks
// into children whose bodies the scheduler must dispatch.
type Outcome struct {
	Done   bool
	Value  []byte
	Choice bool
	Forks  [][]byte
}

// EncodeOutcome serializes an outcome into a result value.
func EncodeOutcome(o Outcome) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(o); err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOutcome deserializes an outcome.
func DecodeOutcome(raw []byte) (Outcome, error) {
	var o Outcome
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&o); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}

// Combine packs ordered child values into one combined value, the shape
// a Parallel node resolves to.
func Combine(values [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, fmt.Errorf("combine values: %w", err)
	}
	return buf.Bytes(), nil
}

// SplitCombined unpacks a combined value back into ordered child values.
func SplitCombined(raw []byte) ([][]byte, error) {
	var values [][]byte
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&values); err != nil {
		return nil, fmt.Errorf("split combined value: %w", err)
	}
	return values, nil
}

// Evaluate performs one evaluation step of a body on a worker: a leaf
// yields its value, a fork yields the children bodies for the scheduler
// to dispatch.
func Evaluate(ctx context.Context, body []byte) (Outcome, error) {
	e, err := DecodeExpr(body)
	if err != nil {
		return Outcome{}, err
	}
	switch e.Kind {
	case KindLeaf:
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			}
		}
		return Outcome{Done: true, Value: e.Value}, nil
	case KindFault:
		return Outcome{}, errors.New(e.Fail)
	case KindParallel, KindChoice:
		if len(e.Children) == 0 {
			return Outcome{}, errors.New("fork with no children")
		}
		forks := make([][]byte, len(e.Children))
		for i, child := range e.Children {
			raw, err := EncodeExpr(child)
			if err != nil {
				return Outcome{}, err
			}
			forks[i] = raw
		}
		return Outcome{Choice: e.Kind == KindChoice, Forks: forks}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown expression kind %d", e.Kind)
	}
}
