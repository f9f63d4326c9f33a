// Package keymap turns X keycodes plus live modifier state into keysyms
// and text, following the core protocol's keysym selection rules.
package keymap

import (
	"errors"
	"fmt"

	"github.com/jezek/xgb/xproto"

	"github.com/bnema/inputmux/internal/event"
)

// Modifier bits in the order GetModifierMapping reports them.
const (
	ModShift uint16 = 1 << iota
	ModLock
	ModControl
	Mod1
	Mod2
	Mod3
	Mod4
	Mod5
)

const numModifiers = 8

var ErrInvalidMapping = errors.New("invalid keyboard mapping")

// Mapping is the raw layout data a server reports through
// GetKeyboardMapping and GetModifierMapping.
type Mapping struct {
	MinKeycode        xproto.Keycode
	KeysymsPerKeycode int
	Keysyms           []xproto.Keysym
	// ModifierKeycodes holds KeycodesPerModifier entries for each of the
	// eight modifiers, zero entries unused.
	KeycodesPerModifier int
	ModifierKeycodes    []xproto.Keycode
}

// Result is the outcome of translating one keycode.
type Result struct {
	Sym  event.Keysym
	Name string
	Text string
}

type lockKind uint8

const (
	lockNone lockKind = iota
	lockCaps
	lockShift
)

type modKey struct {
	mask    uint16
	locking bool
}

// Keymap is a compiled layout with live modifier state. It is not safe for
// concurrent use.
type Keymap struct {
	min  int
	per  int
	syms []event.Keysym

	modKeys        map[uint32]modKey
	modeSwitchMask uint16
	numLockMask    uint16
	lock           lockKind

	held   map[uint32]uint16
	locked uint16
}

// Compile builds a keymap from m.
func Compile(m Mapping) (*Keymap, error) {
	if m.KeysymsPerKeycode <= 0 || len(m.Keysyms)%m.KeysymsPerKeycode != 0 {
		return nil, fmt.Errorf("%w: %d keysyms with %d per keycode", ErrInvalidMapping, len(m.Keysyms), m.KeysymsPerKeycode)
	}
	if m.KeycodesPerModifier < 0 || len(m.ModifierKeycodes) != numModifiers*m.KeycodesPerModifier {
		return nil, fmt.Errorf("%w: %d modifier keycodes with %d per modifier", ErrInvalidMapping, len(m.ModifierKeycodes), m.KeycodesPerModifier)
	}

	k := &Keymap{
		min:     int(m.MinKeycode),
		per:     m.KeysymsPerKeycode,
		syms:    make([]event.Keysym, len(m.Keysyms)),
		modKeys: make(map[uint32]modKey),
		held:    make(map[uint32]uint16),
	}
	for i, s := range m.Keysyms {
		k.syms[i] = event.Keysym(s)
	}

	for mod := 0; mod < numModifiers; mod++ {
		mask := uint16(1) << mod
		row := m.ModifierKeycodes[mod*m.KeycodesPerModifier : (mod+1)*m.KeycodesPerModifier]
		for _, kc := range row {
			if kc == 0 {
				continue
			}
			code := uint32(kc)
			mk := k.modKeys[code]
			mk.mask |= mask
			for _, s := range k.column(code) {
				switch s {
				case symModeSwitch:
					k.modeSwitchMask |= mask
				case symNumLock:
					k.numLockMask |= mask
					mk.locking = true
				case symCapsLock:
					if mask == ModLock {
						k.lock = lockCaps
					}
					mk.locking = true
				case symShiftLock:
					if mask == ModLock && k.lock != lockCaps {
						k.lock = lockShift
					}
					mk.locking = true
				}
			}
			k.modKeys[code] = mk
		}
	}
	return k, nil
}

// column returns the keysym list of code, trailing NoSymbol entries trimmed.
func (k *Keymap) column(code uint32) []event.Keysym {
	i := int(code) - k.min
	if i < 0 || (i+1)*k.per > len(k.syms) {
		return nil
	}
	col := k.syms[i*k.per : (i+1)*k.per]
	for len(col) > 0 && col[len(col)-1] == event.NoSymbol {
		col = col[:len(col)-1]
	}
	return col
}

// State returns the effective modifier mask.
func (k *Keymap) State() uint16 {
	var s uint16
	for _, m := range k.held {
		s |= m
	}
	return s | k.locked
}

// SetState replaces the live modifier state with the given depressed and
// locked masks.
func (k *Keymap) SetState(depressed, locked uint16) {
	clear(k.held)
	if depressed != 0 {
		k.held[0] = depressed
	}
	k.locked = locked
}

// Carry takes over the held and locked modifiers of old, so a layout
// change does not drop modifiers that are still down.
func (k *Keymap) Carry(old *Keymap) {
	for code, mask := range old.held {
		k.held[code] = mask
	}
	k.locked = old.locked
}

// Update records a press or release of code. Lock keys toggle their
// modifier on press; other modifier keys hold it while down.
func (k *Keymap) Update(code uint32, pressed bool) {
	mk, ok := k.modKeys[code]
	if !ok {
		return
	}
	if mk.locking {
		if pressed {
			k.locked ^= mk.mask
		}
		return
	}
	if pressed {
		k.held[code] = mk.mask
	} else {
		delete(k.held, code)
	}
}

// Translate resolves code against the current modifier state.
func (k *Keymap) Translate(code uint32) Result {
	sym := k.Lookup(code, k.State())
	r := Result{Sym: sym, Name: Name(sym)}
	if k.State()&ModControl == 0 {
		r.Text = text(sym)
	}
	return r
}

// Lookup selects the keysym for code under the modifier mask state.
func (k *Keymap) Lookup(code uint32, state uint16) event.Keysym {
	col := k.column(code)
	if len(col) == 0 {
		return event.NoSymbol
	}

	// A single keysym K reads as "K NoSymbol K NoSymbol", two as
	// "K1 K2 K1 K2", three as "K1 K2 K3 NoSymbol".
	var group [2]event.Keysym
	switch {
	case k.modeSwitchMask != 0 && state&k.modeSwitchMask != 0 && len(col) > 2:
		group[0] = col[2]
		if len(col) > 3 {
			group[1] = col[3]
		}
	case len(col) == 1:
		group[0] = col[0]
	default:
		group[0], group[1] = col[0], col[1]
	}

	if group[1] == event.NoSymbol {
		lower, upper := convertCase(group[0])
		if lower != upper {
			group[0], group[1] = lower, upper
		} else {
			group[1] = group[0]
		}
	}

	shift := state&ModShift != 0
	lock := state&ModLock != 0

	switch {
	case k.numLockMask != 0 && state&k.numLockMask != 0 && isKeypad(group[1]):
		if shift || (lock && k.lock == lockShift) {
			return group[0]
		}
		return group[1]
	case !shift && !lock:
		return group[0]
	case !shift && lock && k.lock == lockCaps:
		sym := group[0]
		if isLower(sym) {
			_, sym = convertCase(sym)
		}
		return sym
	case shift && lock && k.lock == lockCaps:
		sym := group[1]
		if isLower(sym) {
			_, sym = convertCase(sym)
		}
		return sym
	case shift || (lock && k.lock == lockShift):
		return group[1]
	}
	return group[0]
}

// Fallback is a keymap that resolves every code to NoSymbol. It stands in
// when the server's layout could not be parsed.
func Fallback() *Keymap {
	k, _ := Compile(Mapping{KeysymsPerKeycode: 1})
	return k
}
