package rest

import "strings"

// NextLink extracts the rel="next" target from RFC 5988 Link header
// values. Returns "" when there is no next page.
func NextLink(values []string) string {
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segments[1:] {
				param = strings.TrimSpace(param)
				if param == `rel="next"` || param == "rel=next" {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}
