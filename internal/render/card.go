package render

// Card is the platform-neutral visual document for card-capable surfaces.
// The transport serializes it into its own wire format.
type Card struct {
	Title  string
	Accent string
	Panels []Panel
}

// Panel is one titled block inside a card. Collapsed panels render folded
// by default on surfaces that support it.
type Panel struct {
	Title     string
	Body      string
	Collapsed bool
}

// Accent colors, named after Lark card template colors but meaningful to
// any surface: primary for answers, secondary for tool activity, tertiary
// for bare reasoning, neutral for nothing-yet.
const (
	AccentPrimary   = "blue"
	AccentSecondary = "turquoise"
	AccentTertiary  = "purple"
	AccentNeutral   = "grey"
)

// BuildCard assembles the card document from recovered sections. Header
// title and accent follow content priority: answer, then tools, then
// thinking, then a neutral placeholder.
func BuildCard(s Sections) Card {
	card := Card{}

	switch {
	case s.Answer != "":
		card.Title = "Answer"
		card.Accent = AccentPrimary
	case s.Tools != "":
		card.Title = "Tools"
		card.Accent = AccentSecondary
	case s.Thinking != "":
		card.Title = "Thinking"
		card.Accent = AccentTertiary
	default:
		card.Title = "Working"
		card.Accent = AccentNeutral
	}

	if s.Answer != "" {
		card.Panels = append(card.Panels, Panel{Title: "Answer", Body: s.Answer})
	}
	if s.Thinking != "" {
		card.Panels = append(card.Panels, Panel{Title: "Thinking", Body: s.Thinking, Collapsed: true})
	}
	if s.Tools != "" {
		card.Panels = append(card.Panels, Panel{Title: "Tools", Body: s.Tools, Collapsed: s.Answer != ""})
	}
	if s.Status != "" {
		card.Panels = append(card.Panels, Panel{Title: "Status", Body: s.Status})
	}
	return card
}
