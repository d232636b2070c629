package tui

// lineEditor is the single-line input with history used by the attach
// prompt. Methods return the updated value; bubbletea models are copied.
type lineEditor struct {
	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	history []string
	histIdx int    // 0..len(history); len = editing new line
	saved   string // current draft before entering history
}

func (e lineEditor) String() string { return string(e.input) }

// submit clears the line and records it in history.
func (e lineEditor) submit() (lineEditor, string) {
	line := string(e.input)
	e.input = nil
	e.cursor = 0
	e.saved = ""
	if line != "" {
		e.history = append(e.history, line)
	}
	e.histIdx = len(e.history)
	return e, line
}

func (e lineEditor) prev() lineEditor {
	if len(e.history) == 0 {
		return e
	}
	// First time entering history: capture the current draft.
	if e.histIdx == len(e.history) {
		e.saved = string(e.input)
	}
	if e.histIdx > 0 {
		e.histIdx--
		e.input = []rune(e.history[e.histIdx])
		e.cursor = len(e.input)
	}
	return e
}

func (e lineEditor) next() lineEditor {
	if len(e.history) == 0 {
		return e
	}
	if e.histIdx < len(e.history)-1 {
		e.histIdx++
		e.input = []rune(e.history[e.histIdx])
		e.cursor = len(e.input)
		return e
	}
	// Move back to the draft line.
	if e.histIdx == len(e.history)-1 {
		e.histIdx = len(e.history)
		e.input = []rune(e.saved)
		e.cursor = len(e.input)
	}
	return e
}

func (e lineEditor) view() string {
	if e.cursor >= len(e.input) {
		return string(e.input) + "█"
	}
	return string(e.input[:e.cursor]) + "█" + string(e.input[e.cursor:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 {
		return in, 0
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}

	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
