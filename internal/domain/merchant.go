package domain

// Merchant is the canonical entity behind a merchant key. Aliases record the
// raw vendor strings that normalized to this key; they are a side record for
// display and reporting and never feed back into normalization.
type Merchant struct {
	MerchantKey     string
	DisplayName     string
	Aliases         []string
	DefaultCategory string
}

// AddAlias registers a raw vendor variant. Adding the same alias twice is a
// no-op; it reports whether the alias was new.
func (m *Merchant) AddAlias(raw string) bool {
	if raw == "" {
		return false
	}
	for _, a := range m.Aliases {
		if a == raw {
			return false
		}
	}
	m.Aliases = append(m.Aliases, raw)
	return true
}
