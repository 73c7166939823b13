package agent

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

// keyDef describes one key the way Input.dispatchKeyEvent expects it.
type keyDef struct {
	Key     string
	Code    string
	KeyCode int64
	Text    string
}

var namedKeys = map[string]keyDef{
	"enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"return":     {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"esc":        {Key: "Escape", Code: "Escape", KeyCode: 27},
	"delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"del":        {Key: "Delete", Code: "Delete", KeyCode: 46},
	"insert":     {Key: "Insert", Code: "Insert", KeyCode: 45},
	"space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
	"arrowup":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"arrowdown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"arrowleft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"arrowright": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"up":         {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"down":       {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"left":       {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"right":      {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"end":        {Key: "End", Code: "End", KeyCode: 35},
	"pageup":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"pagedown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
}

func init() {
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[strings.ToLower(name)] = keyDef{Key: name, Code: name, KeyCode: int64(111 + i)}
	}
}

var modifierNames = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"super":   input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// lookupKey resolves a named key or a single printable character.
func lookupKey(name string) (keyDef, error) {
	if def, ok := namedKeys[strings.ToLower(name)]; ok {
		return def, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if unicode.IsPrint(r) {
			return charKey(r), nil
		}
	}
	return keyDef{}, protocol.Validationf("unknown key: %s", name)
}

func charKey(r rune) keyDef {
	def := keyDef{Key: string(r), Text: string(r)}
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		upper := unicode.ToUpper(r)
		def.Code = "Key" + string(upper)
		def.KeyCode = int64(upper)
	case r >= '0' && r <= '9':
		def.Code = "Digit" + string(r)
		def.KeyCode = int64(r)
	case r == ' ':
		def.Code = "Space"
		def.KeyCode = 32
	}
	return def
}

// parseModifiers folds modifier names into the CDP bitmask.
func parseModifiers(names []string) (input.Modifier, error) {
	var mask input.Modifier
	for _, n := range names {
		m, ok := modifierNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, protocol.Validationf("unknown modifier: %s", n)
		}
		mask |= m
	}
	return mask, nil
}

// withModifiers adjusts def for the held modifiers. Shift upper-cases a
// letter; chords with Ctrl, Alt or Meta produce no text.
func (def keyDef) withModifiers(mask input.Modifier) keyDef {
	if mask&input.ModifierShift != 0 && len(def.Text) == 1 {
		r := rune(def.Text[0])
		if unicode.IsLetter(r) {
			def.Key = string(unicode.ToUpper(r))
			def.Text = def.Key
		}
	}
	if mask&(input.ModifierCtrl|input.ModifierAlt|input.ModifierMeta) != 0 {
		def.Text = ""
	}
	return def
}
