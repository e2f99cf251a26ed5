package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/firewall"
	"github.com/synqualis/synq/pkg/llm"
)

// SupportedVersions constrains the optional version field of a route table.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Target is a backend endpoint.
type Target struct {
	BaseURL string `json:"baseUrl"`
}

// Table is a compiled, read-only route table.
type Table struct {
	Version  *semver.Version
	Rules    []Rule
	Targets  map[string]Target
	Security firewall.Policy
}

type rawSettings struct {
	Version  any               `json:"version"`
	Route    *rawRoute         `json:"route"`
	Rules    []rawRule         `json:"rules"`
	Targets  map[string]Target `json:"targets"`
	Security rawSecurity       `json:"security"`
}

type rawRoute struct {
	Rules   []rawRule         `json:"rules"`
	Targets map[string]Target `json:"targets"`
}

type rawRule struct {
	When map[string]any `json:"when"`
	To   string         `json:"to"`
}

type rawSecurity struct {
	DenyCloud any      `json:"deny_cloud"`
	Allowlist []string `json:"allowlist"`
	LANHosts  []string `json:"lan_hosts"`
}

// LoadFile reads and compiles the route table at path. Files ending in .yaml
// or .yml are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		msg := "cannot read route table"
		if errors.Is(err, fs.ErrNotExist) {
			msg = "route table not found"
		}
		return nil, &config.ConfigurationError{Source: path, Message: msg, Err: err}
	}

	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, &config.ConfigurationError{Source: path, Message: "malformed route table", Err: err}
	}
	t, err := Compile(doc)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = path
		}
		return nil, err
	}
	return t, nil
}

// Compile builds a Table from a decoded document. The document is either the
// settings object itself or one wrapped in {"mcpSettings": {...}}; rules and
// targets may sit under "route" or at the top of the settings.
func Compile(doc any) (*Table, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, configErr("route table must be an object", nil)
	}
	if wrapped, ok := obj["mcpSettings"].(map[string]any); ok {
		obj = wrapped
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, configErr("route table is not JSON-representable", err)
	}
	var raw rawSettings
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return nil, configErr("malformed route table", err)
	}

	t := &Table{
		Targets: raw.Targets,
		Security: firewall.Policy{
			DenyCloud: llm.Truthy(raw.Security.DenyCloud),
			Allowlist: raw.Security.Allowlist,
			LANHosts:  raw.Security.LANHosts,
		},
	}
	rules := raw.Rules
	if raw.Route != nil {
		rules = raw.Route.Rules
		t.Targets = raw.Route.Targets
	}
	if t.Targets == nil {
		t.Targets = map[string]Target{}
	}

	if raw.Version != nil {
		if t.Version, err = checkVersion(raw.Version); err != nil {
			return nil, err
		}
	}

	env, err := newExprEnv()
	if err != nil {
		return nil, configErr("expression environment", err)
	}
	for i, r := range rules {
		rule, err := compileRule(env, i, r)
		if err != nil {
			return nil, err
		}
		t.Rules = append(t.Rules, rule)
	}
	return t, nil
}

func checkVersion(v any) (*semver.Version, error) {
	s := strings.TrimSpace(fmt.Sprint(v))
	version, err := semver.NewVersion(s)
	if err != nil {
		return nil, configErr(fmt.Sprintf("invalid version %q", s), err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, configErr("version constraint", err)
	}
	if !constraint.Check(version) {
		return nil, configErr(fmt.Sprintf("unsupported route table version %s (want %s)", version, SupportedVersions), nil)
	}
	return version, nil
}

func compileRule(env *cel.Env, index int, r rawRule) (Rule, error) {
	rule := Rule{Index: index, To: r.To}
	fail := func(msg string, err error) (Rule, error) {
		return Rule{}, configErr(fmt.Sprintf("rule %d: %s", index, msg), err)
	}

	if r.When["otherwise"] == true {
		rule.Predicates = []Predicate{{Kind: KindAlways}}
		return rule, nil
	}

	keys := make([]string, 0, len(r.When))
	for k := range r.When {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return predicateOrder(keys[i]) < predicateOrder(keys[j]) })

	for _, key := range keys {
		v := r.When[key]
		if v == nil {
			continue
		}
		switch key {
		case AttrTask:
			s, ok := v.(string)
			if !ok {
				return fail("task must be a string", nil)
			}
			rule.Predicates = append(rule.Predicates, Predicate{Kind: KindEquals, Attr: AttrTask, Str: s})
		case AttrNeedSpeed, AttrNeedPrecision:
			rule.Predicates = append(rule.Predicates, Predicate{Kind: KindEquals, Attr: key, Flag: llm.Truthy(v)})
		case "len_lte", "len_gt":
			n, ok := v.(float64)
			if !ok {
				return fail(key+" must be a number", nil)
			}
			kind := KindLessOrEqual
			if key == "len_gt" {
				kind = KindGreaterThan
			}
			rule.Predicates = append(rule.Predicates, Predicate{Kind: kind, Attr: AttrLen, Num: n})
		case "expr":
			s, ok := v.(string)
			if !ok {
				return fail("expr must be a string", nil)
			}
			prg, err := compileExpr(env, s)
			if err != nil {
				return fail("expr", err)
			}
			rule.Predicates = append(rule.Predicates, Predicate{Kind: KindExpr, Expr: s, prg: prg})
		}
	}
	return rule, nil
}

// predicateOrder evaluates cheap comparisons before expressions.
func predicateOrder(key string) int {
	switch key {
	case AttrTask:
		return 0
	case AttrNeedSpeed:
		return 1
	case AttrNeedPrecision:
		return 2
	case "len_lte":
		return 3
	case "len_gt":
		return 4
	case "expr":
		return 6
	default:
		return 5
	}
}

func configErr(msg string, err error) error {
	return &config.ConfigurationError{Source: "route table", Message: msg, Err: err}
}

// Select returns the first rule matching in together with its target.
func (t *Table) Select(in Input) (Rule, Target, error) {
	for _, r := range t.Rules {
		if !r.Matches(in) {
			continue
		}
		target, ok := t.Targets[r.To]
		if !ok || target.BaseURL == "" {
			return r, Target{}, &NoTargetError{Rule: r.Index, Target: r.To}
		}
		return r, target, nil
	}
	return Rule{Index: -1}, Target{}, &NoTargetError{Rule: -1}
}
