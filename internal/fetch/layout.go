package fetch

import (
	"sort"
	"strconv"
	"strings"
)

const maxLayoutIssues = 20

// layoutScript reports elements that overflow the viewport horizontally.
// Vertical overflow is ignored: content below the fold is normal.
const layoutScript = `(() => {
  const w = window.innerWidth;
  const found = [];
  if (document.documentElement && document.documentElement.scrollWidth > w + 1) {
    found.push('page scrolls horizontally');
  }
  const all = document.body ? document.body.getElementsByTagName('*') : [];
  for (const el of all) {
    const r = el.getBoundingClientRect();
    if (r.width === 0 && r.height === 0) continue;
    if (r.right > w + 1) found.push(el.tagName + ' overflows viewport');
    else if (el.offsetWidth > w) found.push(el.tagName + ' wider than viewport');
  }
  return found;
})()`

// summarizeLayout collapses repeated findings into "TAG overflows viewport (xN)"
// entries, most frequent first, capped at limit.
func summarizeLayout(raw []string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	for _, issue := range raw {
		issue = strings.TrimSpace(issue)
		if issue == "" {
			continue
		}
		if counts[issue] == 0 {
			order = append(order, issue)
		}
		counts[issue]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}

	out := make([]string, 0, len(order))
	for _, issue := range order {
		if n := counts[issue]; n > 1 {
			out = append(out, issue+" (x"+strconv.Itoa(n)+")")
		} else {
			out = append(out, issue)
		}
	}
	return out
}
