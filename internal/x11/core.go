package x11

import (
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// Core protocol opcodes.
const (
	opQueryExtension     = 98
	opGetKeyboardMapping = 101
	opGetModifierMapping = 119
)

// request lays out a request header followed by body, padded to four
// bytes with the length field filled in.
func request(opcode, data byte, body []byte) []byte {
	buf := make([]byte, 4+xgb.Pad(len(body)))
	buf[0] = opcode
	buf[1] = data
	xgb.Put16(buf[2:], uint16(len(buf)/4))
	copy(buf[4:], body)
	return buf
}

func checkReply(b []byte, min int, what string) error {
	if len(b) < min || b[0] != 1 {
		return fmt.Errorf("%s: malformed reply (%d bytes)", what, len(b))
	}
	return nil
}

// QueryExtensionRequest asks whether the named extension is present.
func QueryExtensionRequest(name string) []byte {
	body := make([]byte, 4+len(name))
	xgb.Put16(body, uint16(len(name)))
	copy(body[4:], name)
	return request(opQueryExtension, 0, body)
}

// ExtensionInfo is a QueryExtension reply.
type ExtensionInfo struct {
	Present     bool
	MajorOpcode byte
	FirstEvent  byte
	FirstError  byte
}

func ParseQueryExtensionReply(b []byte) (ExtensionInfo, error) {
	if err := checkReply(b, 32, "QueryExtension"); err != nil {
		return ExtensionInfo{}, err
	}
	return ExtensionInfo{
		Present:     b[8] == 1,
		MajorOpcode: b[9],
		FirstEvent:  b[10],
		FirstError:  b[11],
	}, nil
}

// QueryExtension performs a blocking QueryExtension round trip.
func (c *Conn) QueryExtension(name string) (ExtensionInfo, error) {
	reply, err := c.RoundTrip(QueryExtensionRequest(name))
	if err != nil {
		return ExtensionInfo{}, fmt.Errorf("QueryExtension %s: %w", name, err)
	}
	return ParseQueryExtensionReply(reply)
}

// GetKeyboardMappingRequest covers count keycodes starting at first.
func GetKeyboardMappingRequest(first xproto.Keycode, count byte) []byte {
	return request(opGetKeyboardMapping, 0, []byte{byte(first), count, 0, 0})
}

// KeyboardMapping is a GetKeyboardMapping reply.
type KeyboardMapping struct {
	KeysymsPerKeycode int
	Keysyms           []xproto.Keysym
}

func ParseGetKeyboardMappingReply(b []byte) (KeyboardMapping, error) {
	if err := checkReply(b, 32, "GetKeyboardMapping"); err != nil {
		return KeyboardMapping{}, err
	}
	n := int(xgb.Get32(b[4:]))
	if 32+n*4 > len(b) {
		return KeyboardMapping{}, fmt.Errorf("GetKeyboardMapping: %d keysyms exceed reply", n)
	}
	m := KeyboardMapping{KeysymsPerKeycode: int(b[1]), Keysyms: make([]xproto.Keysym, n)}
	for i := range m.Keysyms {
		m.Keysyms[i] = xproto.Keysym(xgb.Get32(b[32+i*4:]))
	}
	return m, nil
}

func GetModifierMappingRequest() []byte {
	return request(opGetModifierMapping, 0, nil)
}

// ModifierMapping is a GetModifierMapping reply: eight rows of
// KeycodesPerModifier keycodes.
type ModifierMapping struct {
	KeycodesPerModifier int
	Keycodes            []xproto.Keycode
}

func ParseGetModifierMappingReply(b []byte) (ModifierMapping, error) {
	if err := checkReply(b, 32, "GetModifierMapping"); err != nil {
		return ModifierMapping{}, err
	}
	per := int(b[1])
	if 32+8*per > len(b) {
		return ModifierMapping{}, fmt.Errorf("GetModifierMapping: %d keycodes per modifier exceed reply", per)
	}
	m := ModifierMapping{KeycodesPerModifier: per, Keycodes: make([]xproto.Keycode, 8*per)}
	for i := range m.Keycodes {
		m.Keycodes[i] = xproto.Keycode(b[32+i])
	}
	return m, nil
}
