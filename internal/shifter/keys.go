package shifter

// Keys lets key based input drive the shifter. Key names follow tcell's
// EventKey.Name() format ("Up", "Rune[+]").
type Keys struct {
	debouncer *Debouncer
	bindings  map[string]Direction
}

func DefaultKeyBindings() map[string]Direction {
	return map[string]Direction{
		"Up":      Up,
		"Down":    Down,
		"Rune[+]": Up,
		"Rune[-]": Down,
	}
}

func NewKeys(debouncer *Debouncer, bindings map[string]Direction) *Keys {
	if debouncer == nil {
		panic("Keys: debouncer cannot be nil")
	}
	if bindings == nil {
		bindings = DefaultKeyBindings()
	}
	return &Keys{debouncer: debouncer, bindings: bindings}
}

// Press feeds a key press to the debouncer. handled is false for keys with
// no binding; accepted is false when the press was debounced away.
func (k *Keys) Press(name string) (handled, accepted bool) {
	dir, ok := k.bindings[name]
	if !ok {
		return false, false
	}
	return true, k.debouncer.Edge(dir)
}
