package bus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"

	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

// MatchRule is a parsed AddMatch filter: a conjunction of optional
// fields, restated in wire-message terms from the teacher's reflected
// Match struct (match.go) since the broker never has a Go type for a
// peer's signal payload, only its raw signature and body bytes.
type MatchRule struct {
	msgType       value.Maybe[message.Type]
	sender        value.Maybe[string]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	path          value.Maybe[string]
	pathNamespace value.Maybe[string]
	destination   value.Maybe[string]
	args          map[int]string
	argPaths      map[int]string
	arg0Namespace value.Maybe[string]
}

// ParseMatchRule parses the AddMatch string grammar
// ("type='signal',interface='...',member='...'", etc.), the same key
// vocabulary as original_source's bus_match_rule and the teacher's
// Match.filterString: type, sender, interface, member, path,
// path_namespace, destination, arg0..argN, arg0..argNpath,
// arg0namespace.
func ParseMatchRule(s string) (*MatchRule, error) {
	r := &MatchRule{args: map[int]string{}, argPaths: map[int]string{}}
	for _, kv := range splitMatchRule(s) {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("bus: malformed match rule clause %q", kv)
		}
		val, err := unquoteMatchArg(val)
		if err != nil {
			return nil, fmt.Errorf("bus: match rule clause %q: %w", kv, err)
		}
		switch {
		case key == "type":
			t, ok := parseMsgType(val)
			if !ok {
				return nil, fmt.Errorf("bus: unknown match type %q", val)
			}
			r.msgType = value.Just(t)
		case key == "sender":
			r.sender = value.Just(val)
		case key == "interface":
			r.iface = value.Just(val)
		case key == "member":
			r.member = value.Just(val)
		case key == "path":
			r.path = value.Just(val)
		case key == "path_namespace":
			r.pathNamespace = value.Just(val)
		case key == "destination":
			r.destination = value.Just(val)
		case key == "arg0namespace":
			r.arg0Namespace = value.Just(val)
		case strings.HasPrefix(key, "arg") && strings.HasSuffix(key, "path"):
			i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "arg"), "path"))
			if err != nil {
				return nil, fmt.Errorf("bus: invalid match arg key %q", key)
			}
			r.argPaths[i] = val
		case strings.HasPrefix(key, "arg"):
			i, err := strconv.Atoi(strings.TrimPrefix(key, "arg"))
			if err != nil {
				return nil, fmt.Errorf("bus: invalid match arg key %q", key)
			}
			r.args[i] = val
		default:
			return nil, fmt.Errorf("bus: unknown match rule key %q", key)
		}
	}
	return r, nil
}

func parseMsgType(s string) (message.Type, bool) {
	switch s {
	case "method_call":
		return message.TypeMethodCall, true
	case "method_return":
		return message.TypeMethodReturn, true
	case "error":
		return message.TypeError, true
	case "signal":
		return message.TypeSignal, true
	}
	return 0, false
}

// splitMatchRule splits on top-level commas, respecting single-quoted
// values (which may not themselves contain a quote, per the DBus match
// rule grammar).
func splitMatchRule(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func unquoteMatchArg(s string) (string, error) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", fmt.Errorf("value %q is not single-quoted", s)
	}
	return s[1 : len(s)-1], nil
}

// Matches reports whether msg satisfies every filter set in the rule.
// Matching short-circuits on the first disagreeing field, per the
// matchmaker's linear-scan contract.
func (r *MatchRule) Matches(msg *message.Message) bool {
	h := &msg.Header
	if t, ok := r.msgType.GetOK(); ok && h.Type != t {
		return false
	}
	if s, ok := r.sender.GetOK(); ok && h.Sender != s {
		return false
	}
	if i, ok := r.iface.GetOK(); ok && h.Interface != i {
		return false
	}
	if m, ok := r.member.GetOK(); ok && h.Member != m {
		return false
	}
	if p, ok := r.path.GetOK(); ok && h.Path != p {
		return false
	}
	if ns, ok := r.pathNamespace.GetOK(); ok && !pathInNamespace(h.Path, ns) {
		return false
	}
	if d, ok := r.destination.GetOK(); ok && h.Destination != d {
		return false
	}
	if len(r.args) == 0 && len(r.argPaths) == 0 && !r.arg0Namespace.Present() {
		return true
	}
	args := firstStringArgs(msg, maxArgIndex(r))
	for i, want := range r.args {
		if args[i] != want {
			return false
		}
	}
	for i, want := range r.argPaths {
		got := args[i]
		if got != want && !pathInNamespace(got, want) {
			return false
		}
	}
	if ns, ok := r.arg0Namespace.GetOK(); ok {
		if args[0] != ns && !strings.HasPrefix(args[0], ns+".") {
			return false
		}
	}
	return true
}

func pathInNamespace(path, ns string) bool {
	return path == ns || strings.HasPrefix(path, ns+"/")
}

func maxArgIndex(r *MatchRule) int {
	max := -1
	for i := range r.args {
		if i > max {
			max = i
		}
	}
	for i := range r.argPaths {
		if i > max {
			max = i
		}
	}
	if r.arg0Namespace.Present() && max < 0 {
		max = 0
	}
	return max
}

// firstStringArgs decodes the leading string/object-path arguments of
// msg's body, up to and including index max, for arg0..argN matching.
// Any argument that isn't a string or object path decodes as "", which
// never matches a specified filter.
func firstStringArgs(msg *message.Message, max int) []string {
	out := make([]string, max+1)
	if max < 0 || msg.Header.Signature.Empty() {
		return out
	}
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	for i := 0; i <= max; i++ {
		if r.AtEnd() {
			return out
		}
		t, ok := r.CurrentType()
		if !ok {
			return out
		}
		if t.Code != wire.TypeString && t.Code != wire.TypeObjPath {
			return out
		}
		v, err := r.ReadBasic()
		if err != nil {
			return out
		}
		out[i], _ = v.(string)
	}
	return out
}
