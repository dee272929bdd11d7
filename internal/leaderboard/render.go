package leaderboard

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultBalloon is the emoji repeated once per rank.
const DefaultBalloon = "🎈"

// RenderOptions customises Renderer output.
type RenderOptions struct {
	Title   string
	Balloon string
	// Language selects number formatting; English when zero.
	Language language.Tag
}

// Renderer formats boards as chat text.
type Renderer struct {
	title   string
	balloon string
	printer *message.Printer
}

// NewRenderer constructs a Renderer.
func NewRenderer(opts RenderOptions) *Renderer {
	if opts.Title == "" {
		opts.Title = "TOP RATED USERS"
	}
	if opts.Balloon == "" {
		opts.Balloon = DefaultBalloon
	}
	if opts.Language == language.Und {
		opts.Language = language.English
	}
	return &Renderer{title: opts.Title, balloon: opts.Balloon, printer: message.NewPrinter(opts.Language)}
}

// Render writes one line per entry: position, user mention, one balloon per
// rank and the true score with two decimals.
func (r *Renderer) Render(board Board) string {
	var b strings.Builder
	b.WriteString(r.balloon)
	b.WriteString(" __**")
	b.WriteString(r.title)
	b.WriteString("**__ ")
	b.WriteString(r.balloon)
	b.WriteByte('\n')
	if len(board.Entries) == 0 {
		b.WriteString("Nobody has been rated yet.\n")
	}
	for _, e := range board.Entries {
		// Mentions keep raw ids; the printer would insert digit grouping.
		b.WriteString(r.printer.Sprintf("`%d` - ", e.Position))
		b.WriteString("<@")
		b.WriteString(strconv.FormatInt(int64(e.UserID), 10))
		b.WriteByte('>')
		for i := 0; i < int(e.Rank); i++ {
			b.WriteByte(' ')
			b.WriteString(r.balloon)
		}
		b.WriteString(r.printer.Sprintf(" (%.2f)\n", e.TrueScore))
	}
	if !board.GeneratedAt.IsZero() {
		b.WriteString("Last updated ")
		b.WriteString(board.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
		b.WriteByte('\n')
	}
	return b.String()
}
