package render

import "strings"

// Sections is the structured form of a rendered document, recovered from
// the flat markdown by SplitSections. Empty fields mean the section was
// absent.
type Sections struct {
	Answer   string
	Thinking string
	Tools    string
	Status   string
}

// Tokenizer states. The document grammar is small and line-oriented:
// answer text, an optional quote block (thinking), an optional tools
// heading with its body, and a rule-delimited status footer.
type splitState int

const (
	stateAnswer splitState = iota
	stateThinking
	stateTools
	stateStatus
)

// SplitSections tokenizes a rendered document back into its sections.
// It walks lines once and switches on structural markers only (quote
// prefix, tools heading, horizontal rule), so edge cases like headings
// inside the answer body or an absent thinking block stay enumerable.
// The status footer is anchored on the last rule line: the renderer
// always writes its rule after every section, so any earlier rule is
// model-authored answer content, not a boundary.
func SplitSections(text string) Sections {
	var out Sections
	var answer, thinking, tools, status []string

	lines := strings.Split(text, "\n")
	footerRule := -1
	for i, line := range lines {
		if line == statusRule {
			footerRule = i
		}
	}

	state := stateAnswer
	for i, line := range lines {
		switch {
		case state != stateStatus && i == footerRule:
			state = stateStatus
			continue
		case state == stateAnswer && line == toolsHeading:
			state = stateTools
			continue
		case state == stateAnswer && strings.HasPrefix(line, "> "):
			state = stateThinking
			// fall through into the thinking case below
		}

		switch state {
		case stateAnswer:
			answer = append(answer, line)
		case stateThinking:
			switch {
			case line == thinkingLabel:
				// label line, not content
			case strings.HasPrefix(line, "> "):
				thinking = append(thinking, strings.TrimPrefix(line, "> "))
			case line == toolsHeading:
				state = stateTools
			case strings.TrimSpace(line) == "":
				// blank separator between blocks
			default:
				// quote block ended, remaining prose belongs to the answer
				state = stateAnswer
				answer = append(answer, line)
			}
		case stateTools:
			tools = append(tools, line)
		case stateStatus:
			status = append(status, line)
		}
	}

	out.Answer = strings.TrimSpace(strings.Join(answer, "\n"))
	out.Thinking = strings.TrimSpace(strings.Join(thinking, "\n"))
	out.Tools = strings.TrimSpace(strings.Join(tools, "\n"))
	out.Status = strings.TrimSpace(strings.Join(status, "\n"))

	if out.Answer == answerPlaceholder {
		out.Answer = ""
	}
	return out
}
