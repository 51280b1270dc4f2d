package task

import "regexp"

// rerollHeaderPatterns are the four header shapes that must be tried in
// order for reroll/variation prompt extraction. Each yields
// (prompt, authorTag, seedOrFlags) in submatch groups 1..3.
var rerollHeaderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*(.*)\*\* - (.*?)<@\d+> \((.*?)\)`),
	regexp.MustCompile(`\*\*(.*)\*\* - <@\d+> \((.*?)\)`),
	regexp.MustCompile(`\*\*(.*)\*\* - Variations by <@\d+> \((.*?)\)`),
	regexp.MustCompile(`\*\*(.*)\*\* - Variations \(.*?\) by <@\d+> \((.*?)\)`),
}

// RerollHeaderMatch is the result of matching one of the four reroll
// header shapes.
type RerollHeaderMatch struct {
	Prompt  string
	Trailer string // second or third submatch group, shape-dependent
}

// ParseRerollHeader tries each of the four header regexes in order and
// returns the first match. ok is false if none matched.
func ParseRerollHeader(content string) (RerollHeaderMatch, bool) {
	for _, re := range rerollHeaderPatterns {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		match := RerollHeaderMatch{Prompt: m[1]}
		match.Trailer = m[len(m)-1]
		return match, true
	}
	return RerollHeaderMatch{}, false
}
