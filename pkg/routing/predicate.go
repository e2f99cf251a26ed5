package routing

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/synqualis/synq/pkg/llm"
)

// Kind tags a Predicate.
type Kind int

const (
	KindEquals Kind = iota
	KindLessOrEqual
	KindGreaterThan
	KindAlways
	KindExpr
)

func (k Kind) String() string {
	switch k {
	case KindEquals:
		return "equals"
	case KindLessOrEqual:
		return "less_or_equal"
	case KindGreaterThan:
		return "greater_than"
	case KindAlways:
		return "always"
	case KindExpr:
		return "expr"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Attributes a predicate can compare.
const (
	AttrTask          = "task"
	AttrNeedSpeed     = "need_speed"
	AttrNeedPrecision = "need_precision"
	AttrLen           = "len"
)

// Input is the request view predicates are evaluated against.
type Input struct {
	Task          *string
	NeedSpeed     bool
	NeedPrecision bool
	Len           float64
	Meta          map[string]any
}

// InputFor derives the routing input of req. Len falls back to the content
// estimate when meta.len is absent.
func InputFor(req *llm.RequestEnvelope) Input {
	return Input{
		Task:          req.Meta.Task,
		NeedSpeed:     req.Meta.NeedSpeed,
		NeedPrecision: req.Meta.NeedPrecision,
		Len:           req.TokenLen(),
		Meta:          req.Meta.Fields,
	}
}

// Predicate is one comparison in a rule's conjunction.
type Predicate struct {
	Kind Kind
	Attr string
	Str  string
	Flag bool
	Num  float64
	Expr string

	prg cel.Program
}

// Eval reports whether in satisfies p. Expression evaluation errors, such as
// a reference to an absent meta key, count as no match.
func (p Predicate) Eval(in Input) bool {
	switch p.Kind {
	case KindAlways:
		return true
	case KindEquals:
		switch p.Attr {
		case AttrTask:
			return in.Task != nil && *in.Task == p.Str
		case AttrNeedSpeed:
			return in.NeedSpeed == p.Flag
		case AttrNeedPrecision:
			return in.NeedPrecision == p.Flag
		}
		return false
	case KindLessOrEqual:
		return in.Len <= p.Num
	case KindGreaterThan:
		return in.Len > p.Num
	case KindExpr:
		ok, err := evalExpr(p.prg, in)
		return err == nil && ok
	default:
		return false
	}
}

func newExprEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("task", cel.StringType),
		cel.Variable("need_speed", cel.BoolType),
		cel.Variable("need_precision", cel.BoolType),
		cel.Variable("len", cel.DoubleType),
	)
}

func compileExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be bool, got %s", out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

func evalExpr(prg cel.Program, in Input) (bool, error) {
	task := ""
	if in.Task != nil {
		task = *in.Task
	}
	meta := in.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"meta":           meta,
		"task":           task,
		"need_speed":     in.NeedSpeed,
		"need_precision": in.NeedPrecision,
		"len":            in.Len,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// Rule is a compiled routing rule: a conjunction of predicates and a target.
type Rule struct {
	Index      int
	To         string
	Predicates []Predicate
}

// Matches evaluates the conjunction, stopping at the first false predicate.
func (r Rule) Matches(in Input) bool {
	for _, p := range r.Predicates {
		if !p.Eval(in) {
			return false
		}
	}
	return true
}
