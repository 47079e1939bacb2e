package status

import (
	"strconv"
	"strings"

	"github.com/creamcroissant/xboard/internal/config"
)

// DefaultGroup resolves a user's default status group from the ordered
// rule list, matching by uid or gid, falling back to FallbackStatus when
// nothing matches (§4.4).
func DefaultGroup(uid int, gids []int, rules []config.StatusRule, fallback string) string {
	for _, rule := range rules {
		if ruleMatches(rule.Expression, uid, gids) {
			return rule.Group
		}
	}
	return fallback
}

func ruleMatches(expr string, uid int, gids []int) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return true
	}
	switch {
	case strings.HasPrefix(expr, "uid=="):
		n, err := strconv.Atoi(strings.TrimPrefix(expr, "uid=="))
		return err == nil && n == uid
	case strings.HasPrefix(expr, "gid=="):
		n, err := strconv.Atoi(strings.TrimPrefix(expr, "gid=="))
		if err != nil {
			return false
		}
		for _, g := range gids {
			if g == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}
