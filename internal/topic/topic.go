// Package topic implements MQTT topic validation, wildcard matching, and the
// concurrent trie used for both subscription routing and retained lookup.
package topic

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/arcmq/arcmq/internal/broker"
)

const (
	// SingleLevelWildcard matches exactly one level, empty levels included.
	SingleLevelWildcard = "+"
	// MultiLevelWildcard matches one or more trailing levels and must be
	// the final level of a filter.
	MultiLevelWildcard = "#"
	// Separator joins topic levels.
	Separator = "/"
)

// Split breaks a topic or filter into its levels. Empty levels are kept:
// "a//b" has three levels, the middle one empty, and "a/" has a trailing
// empty level.
func Split(topic string) []string {
	return strings.Split(topic, Separator)
}

// Join is the inverse of Split.
func Join(levels []string) string {
	return strings.Join(levels, Separator)
}

// IsWildcard reports whether the filter contains any wildcard level.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, SingleLevelWildcard+MultiLevelWildcard)
}

// ValidateName checks a concrete topic name as used by PUBLISH frames and
// retained storage. Wildcards are not allowed in names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty topic name: %w", broker.ErrInvalidTopicFilter)
	}
	if err := validateCommon(name); err != nil {
		return err
	}
	if IsWildcard(name) {
		return fmt.Errorf("wildcard in topic name %q: %w", name, broker.ErrInvalidTopicFilter)
	}
	return nil
}

// ValidateFilter checks a subscription filter: '+' must occupy a whole
// level and '#' must occupy the final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter: %w", broker.ErrInvalidTopicFilter)
	}
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := Split(filter)
	for i, level := range levels {
		switch {
		case level == SingleLevelWildcard:
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return fmt.Errorf("%q: '#' must be the final level: %w", filter, broker.ErrInvalidTopicFilter)
			}
		case strings.Contains(level, MultiLevelWildcard):
			return fmt.Errorf("%q: '#' must occupy a whole level: %w", filter, broker.ErrInvalidTopicFilter)
		case strings.Contains(level, SingleLevelWildcard):
			return fmt.Errorf("%q: '+' must occupy a whole level: %w", filter, broker.ErrInvalidTopicFilter)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("topic is not valid UTF-8: %w", broker.ErrInvalidTopicFilter)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("topic contains NUL: %w", broker.ErrInvalidTopicFilter)
	}
	return nil
}

// Match reports whether the concrete topic name is matched by the filter.
// '+' matches exactly one level. '#' matches one or more trailing levels;
// it does not match its own parent ("a/#" matches "a/b" and "a/" but not
// "a"). Wildcards never match a leading '$' level.
func Match(filter, name string) bool {
	fl := Split(filter)
	nl := Split(name)
	if strings.HasPrefix(nl[0], "$") && (fl[0] == SingleLevelWildcard || fl[0] == MultiLevelWildcard) {
		return false
	}
	for i, f := range fl {
		if f == MultiLevelWildcard {
			return i < len(nl)
		}
		if i >= len(nl) {
			return false
		}
		if f != SingleLevelWildcard && f != nl[i] {
			return false
		}
	}
	return len(fl) == len(nl)
}

// BrowsePrefix truncates a concrete topic name to the filter's depth for
// tree-browsing lookups: a name stored deeper than the filter yields its
// first len(filter levels) levels. The boolean reports whether that prefix
// matches the filter. A filter ending in '#' browses at unbounded depth
// and yields the full name.
func BrowsePrefix(filter, name string) (string, bool) {
	fl := Split(filter)
	if fl[len(fl)-1] == MultiLevelWildcard {
		return name, Match(filter, name)
	}
	nl := Split(name)
	if len(nl) < len(fl) {
		return "", false
	}
	prefix := Join(nl[:len(fl)])
	return prefix, Match(filter, prefix)
}
