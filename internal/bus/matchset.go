package bus

import "github.com/danderson/dbusd/internal/message"

// ruleEntry pairs a parsed MatchRule with the exact string it was
// registered under, since RemoveMatch identifies a rule by that string,
// not by structural equality.
type ruleEntry struct {
	raw  string
	rule *MatchRule
}

// MatchSet holds the match rules registered by one connection.
type MatchSet struct {
	rules []ruleEntry
}

// Add registers raw (already validated by ParseMatchRule) under rule.
// Re-adding an identical raw string is idempotent, per the driver's
// AddMatch contract.
func (s *MatchSet) Add(raw string, rule *MatchRule) {
	for _, e := range s.rules {
		if e.raw == raw {
			return
		}
	}
	s.rules = append(s.rules, ruleEntry{raw: raw, rule: rule})
}

// Remove unregisters the rule previously added under raw. It reports
// whether a matching rule was found.
func (s *MatchSet) Remove(raw string) bool {
	for i, e := range s.rules {
		if e.raw == raw {
			s.rules = append(s.rules[:i:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// MatchesAny reports whether any rule in the set matches msg. The
// matchmaker calls this once per connection, so a connection with
// several overlapping rules still receives at most one copy.
func (s *MatchSet) MatchesAny(msg *message.Message) bool {
	for _, e := range s.rules {
		if e.rule.Matches(msg) {
			return true
		}
	}
	return false
}
