package internal

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

// Rule decides whether an event is forwarded. Emit names the match in logs.
type Rule struct {
	When string `yaml:"when"`
	Emit string `yaml:"emit"`
}

// RuleMatch is a rule that evaluated to true.
type RuleMatch struct {
	Emit string
	When string
}

type compiledRule struct {
	rule    Rule
	expr    *govaluate.EvaluableExpression
	aliases map[string]string
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("contains expects 2 arguments")
		}
		switch haystack := args[0].(type) {
		case string:
			needle, _ := args[1].(string)
			return strings.Contains(haystack, needle), nil
		case []interface{}:
			for _, item := range haystack {
				if reflect.DeepEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		case nil:
			return false, nil
		default:
			return nil, fmt.Errorf("contains: unsupported type %T", args[0])
		}
	},
	"like": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("like expects 2 arguments")
		}
		value, _ := args[0].(string)
		pattern, _ := args[1].(string)
		re, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), "%", ".*") + "$")
		if err != nil {
			return nil, err
		}
		return re.MatchString(value), nil
	},
}

// NewRuleEngine compiles every configured rule expression.
func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rewritten, aliases := rewritePaths(rule.When)
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.When, err)
		}
		rules = append(rules, compiledRule{rule: rule, expr: expr, aliases: aliases})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger("rules")
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Empty reports whether no rules are configured.
func (r *RuleEngine) Empty() bool {
	return r == nil || len(r.rules) == 0
}

// Evaluate returns the rules matching event. In strict mode an evaluation
// error on any rule rejects the event entirely.
func (r *RuleEngine) Evaluate(event Event) []RuleMatch {
	if r.Empty() {
		return nil
	}
	params, err := event.parameters()
	if err != nil {
		r.logger.Printf("rule input invalid event=%s err=%v", event.Name, err)
		return nil
	}

	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		result, err := rule.expr.Evaluate(rule.bind(params))
		if err != nil {
			r.logger.Printf("rule eval failed when=%q err=%v", rule.rule.When, err)
			if r.strict {
				return nil
			}
			continue
		}
		if ok, _ := result.(bool); ok {
			matches = append(matches, RuleMatch{Emit: rule.rule.Emit, When: rule.rule.When})
		}
	}
	return matches
}

// Allow reports whether an event should be forwarded: always when no rules
// are configured, otherwise when at least one rule matches.
func (r *RuleEngine) Allow(name string, payload []byte) bool {
	if r.Empty() {
		return true
	}
	matches := r.Evaluate(Event{Name: name, RawPayload: payload})
	for _, match := range matches {
		r.logger.Printf("rule matched event=%s emit=%s", name, match.Emit)
	}
	return len(matches) > 0
}

// bind exposes aliased paths that exist in params under their alias names.
func (c compiledRule) bind(params map[string]interface{}) map[string]interface{} {
	if len(c.aliases) == 0 {
		return params
	}
	bound := make(map[string]interface{}, len(params)+len(c.aliases))
	for key, value := range params {
		bound[key] = value
	}
	for alias, path := range c.aliases {
		if value, ok := params[path]; ok {
			bound[alias] = value
		}
	}
	return bound
}

// pathPattern matches dotted or indexed payload paths, optionally rooted at "$.".
var pathPattern = regexp.MustCompile(`\$?\.?[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\])+`)

// rewritePaths replaces payload paths with plain identifiers, since
// govaluate treats dotted names as struct accessors. It returns the
// rewritten expression and the alias to path mapping. String literals and
// bracket-escaped names are left untouched.
func rewritePaths(expr string) (string, map[string]string) {
	aliases := make(map[string]string)
	var out strings.Builder
	for i := 0; i < len(expr); {
		c := expr[i]
		if c == '"' || c == '\'' {
			end := i + 1
			for end < len(expr) && expr[end] != c {
				if expr[end] == '\\' {
					end++
				}
				end++
			}
			if end < len(expr) {
				end++
			}
			out.WriteString(expr[i:end])
			i = end
			continue
		}
		if c == '[' {
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				out.WriteString(expr[i:])
				break
			}
			out.WriteString(expr[i : i+end+1])
			i += end + 1
			continue
		}
		if loc := pathPattern.FindStringIndex(expr[i:]); loc != nil && loc[0] == 0 && !identChar(prev(expr, i)) {
			path := strings.TrimPrefix(strings.TrimPrefix(expr[i:i+loc[1]], "$"), ".")
			alias := pathAlias(path)
			aliases[alias] = path
			out.WriteString(alias)
			i += loc[1]
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String(), aliases
}

func pathAlias(path string) string {
	var b strings.Builder
	b.WriteString("path__")
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '.', '[':
			b.WriteByte('_')
		case ']':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func prev(s string, i int) byte {
	if i == 0 {
		return ' '
	}
	return s[i-1]
}

func identChar(c byte) bool {
	return c == '_' || c == '.' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
