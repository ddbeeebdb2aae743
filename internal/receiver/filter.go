package receiver

import (
	"sort"
	"strings"

	"github.com/ChuLiYu/candlepin-async/internal/messaging"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// FilterAll is the selector that accepts no message
const FilterAll = "FALSE"

// BuildFilter returns the selector applied to every consumer.
//
// The blacklist is the explicit deny list plus every disabled job. A nil
// whitelist means no whitelist; otherwise only whitelisted keys that are
// not blacklisted are accepted, and an empty result accepts nothing. With no
// restrictions at all the filter is empty and every message is accepted.
func BuildFilter(blacklist, whitelist, disabled []string) string {
	denied := keySet(blacklist, disabled)

	if whitelist != nil {
		allowed := make(map[string]struct{})
		for _, key := range whitelist {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, ok := denied[key]; !ok {
				allowed[key] = struct{}{}
			}
		}
		if len(allowed) == 0 {
			return FilterAll
		}
		return types.JobKeyProperty + " IN " + literalList(allowed)
	}

	if len(denied) == 0 {
		return ""
	}
	return types.JobKeyProperty + " NOT IN " + literalList(denied)
}

func keySet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, key := range list {
			if key = strings.TrimSpace(key); key != "" {
				set[key] = struct{}{}
			}
		}
	}
	return set
}

// literalList renders the keys as a sorted, quoted selector list
func literalList(keys map[string]struct{}) string {
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	quoted := make([]string, len(sorted))
	for i, k := range sorted {
		quoted[i] = messaging.QuoteLiteral(k)
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}
