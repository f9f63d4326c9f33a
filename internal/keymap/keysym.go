package keymap

import (
	"fmt"
	"unicode"

	"github.com/bnema/inputmux/internal/event"
)

// Keysyms the translator interprets specially.
const (
	symModeSwitch event.Keysym = 0xff7e
	symNumLock    event.Keysym = 0xff7f
	symCapsLock   event.Keysym = 0xffe5
	symShiftLock  event.Keysym = 0xffe6

	symKPSpace event.Keysym = 0xff80
	symKPEqual event.Keysym = 0xffbd

	unicodeBase event.Keysym = 0x01000000
)

var keysymNames = map[event.Keysym]string{
	0xff08: "BackSpace",
	0xff09: "Tab",
	0xff0d: "Return",
	0xff13: "Pause",
	0xff14: "Scroll_Lock",
	0xff1b: "Escape",
	0xff50: "Home",
	0xff51: "Left",
	0xff52: "Up",
	0xff53: "Right",
	0xff54: "Down",
	0xff55: "Prior",
	0xff56: "Next",
	0xff57: "End",
	0xff61: "Print",
	0xff63: "Insert",
	0xff67: "Menu",
	0xff7e: "Mode_switch",
	0xff7f: "Num_Lock",
	0xff80: "KP_Space",
	0xff8d: "KP_Enter",
	0xff95: "KP_Home",
	0xff96: "KP_Left",
	0xff97: "KP_Up",
	0xff98: "KP_Right",
	0xff99: "KP_Down",
	0xff9a: "KP_Prior",
	0xff9b: "KP_Next",
	0xff9c: "KP_End",
	0xff9d: "KP_Begin",
	0xff9e: "KP_Insert",
	0xff9f: "KP_Delete",
	0xffaa: "KP_Multiply",
	0xffab: "KP_Add",
	0xffac: "KP_Separator",
	0xffad: "KP_Subtract",
	0xffae: "KP_Decimal",
	0xffaf: "KP_Divide",
	0xffb0: "KP_0",
	0xffb1: "KP_1",
	0xffb2: "KP_2",
	0xffb3: "KP_3",
	0xffb4: "KP_4",
	0xffb5: "KP_5",
	0xffb6: "KP_6",
	0xffb7: "KP_7",
	0xffb8: "KP_8",
	0xffb9: "KP_9",
	0xffbd: "KP_Equal",
	0xffe1: "Shift_L",
	0xffe2: "Shift_R",
	0xffe3: "Control_L",
	0xffe4: "Control_R",
	0xffe5: "Caps_Lock",
	0xffe6: "Shift_Lock",
	0xffe7: "Meta_L",
	0xffe8: "Meta_R",
	0xffe9: "Alt_L",
	0xffea: "Alt_R",
	0xffeb: "Super_L",
	0xffec: "Super_R",
	0xffff: "Delete",
	0xfe03: "ISO_Level3_Shift",
	0x0020: "space",
	0x0021: "exclam",
	0x0022: "quotedbl",
	0x0023: "numbersign",
	0x0024: "dollar",
	0x0025: "percent",
	0x0026: "ampersand",
	0x0027: "apostrophe",
	0x0028: "parenleft",
	0x0029: "parenright",
	0x002a: "asterisk",
	0x002b: "plus",
	0x002c: "comma",
	0x002d: "minus",
	0x002e: "period",
	0x002f: "slash",
	0x003a: "colon",
	0x003b: "semicolon",
	0x003c: "less",
	0x003d: "equal",
	0x003e: "greater",
	0x003f: "question",
	0x0040: "at",
	0x005b: "bracketleft",
	0x005c: "backslash",
	0x005d: "bracketright",
	0x005e: "asciicircum",
	0x005f: "underscore",
	0x0060: "grave",
	0x007b: "braceleft",
	0x007c: "bar",
	0x007d: "braceright",
	0x007e: "asciitilde",
	0x00a7: "section",
	0x00b0: "degree",
	0x00b5: "mu",
	0x00e0: "agrave",
	0x00e7: "ccedilla",
	0x00e8: "egrave",
	0x00e9: "eacute",
	0x00f9: "ugrave",
}

func init() {
	for c := event.Keysym('0'); c <= '9'; c++ {
		keysymNames[c] = string(rune(c))
	}
	for c := event.Keysym('a'); c <= 'z'; c++ {
		keysymNames[c] = string(rune(c))
		keysymNames[c-0x20] = string(rune(c - 0x20))
	}
	for i := event.Keysym(0); i < 35; i++ {
		keysymNames[0xffbe+i] = fmt.Sprintf("F%d", i+1)
	}
}

// Name renders the conventional name of a keysym.
func Name(sym event.Keysym) string {
	if sym == event.NoSymbol {
		return "NoSymbol"
	}
	if n, ok := keysymNames[sym]; ok {
		return n
	}
	if sym&0xff000000 == unicodeBase {
		return fmt.Sprintf("U%04X", uint32(sym&0x00ffffff))
	}
	return fmt.Sprintf("0x%08x", uint32(sym))
}

// Rune returns the character a keysym stands for, if any.
func Rune(sym event.Keysym) (rune, bool) {
	switch {
	case sym >= 0x20 && sym <= 0x7e, sym >= 0xa0 && sym <= 0xff:
		return rune(sym), true
	case sym&0xff000000 == unicodeBase:
		return rune(sym & 0x00ffffff), true
	case sym >= 0xffb0 && sym <= 0xffb9:
		return rune('0' + sym - 0xffb0), true
	}
	switch sym {
	case symKPSpace:
		return ' ', true
	case 0xffaa:
		return '*', true
	case 0xffab:
		return '+', true
	case 0xffac:
		return ',', true
	case 0xffad:
		return '-', true
	case 0xffae:
		return '.', true
	case 0xffaf:
		return '/', true
	case symKPEqual:
		return '=', true
	}
	return 0, false
}

// text returns printable text for sym, or "".
func text(sym event.Keysym) string {
	r, ok := Rune(sym)
	if !ok || !unicode.IsPrint(r) {
		return ""
	}
	return string(r)
}

func isKeypad(sym event.Keysym) bool {
	return sym >= symKPSpace && sym <= symKPEqual
}

// convertCase returns the lower and upper case forms of sym. Symbols with
// no case return themselves twice.
func convertCase(sym event.Keysym) (lower, upper event.Keysym) {
	lower, upper = sym, sym
	switch {
	case sym >= 'A' && sym <= 'Z':
		lower = sym + 0x20
	case sym >= 'a' && sym <= 'z':
		upper = sym - 0x20
	case sym >= 0xc0 && sym <= 0xde && sym != 0xd7:
		lower = sym + 0x20
	case sym >= 0xe0 && sym <= 0xfe && sym != 0xf7:
		upper = sym - 0x20
	case sym&0xff000000 == unicodeBase:
		r := rune(sym & 0x00ffffff)
		lower = unicodeBase | event.Keysym(unicode.ToLower(r))
		upper = unicodeBase | event.Keysym(unicode.ToUpper(r))
	}
	return lower, upper
}

func isLower(sym event.Keysym) bool {
	lower, upper := convertCase(sym)
	return sym == lower && lower != upper
}
