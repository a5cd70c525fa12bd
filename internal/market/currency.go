package market

// CurrencyMap translates between standard currency codes and the codes a venue uses locally.
// Codes without an entry pass through unchanged in both directions.
type CurrencyMap struct {
	toLocal    map[string]string
	toStandard map[string]string
}

func NewCurrencyMap(standardToLocal map[string]string) CurrencyMap {
	m := CurrencyMap{
		toLocal:    make(map[string]string, len(standardToLocal)),
		toStandard: make(map[string]string, len(standardToLocal)),
	}
	for std, local := range standardToLocal {
		m.toLocal[std] = local
		m.toStandard[local] = std
	}
	return m
}

func (m CurrencyMap) ToLocal(code string) string {
	if local, ok := m.toLocal[code]; ok {
		return local
	}
	return code
}

func (m CurrencyMap) ToStandard(local string) string {
	if std, ok := m.toStandard[local]; ok {
		return std
	}
	return local
}

// LocalPair joins the local codes of both sides of the pair with sep.
func (m CurrencyMap) LocalPair(p Pair, sep string) string {
	return m.ToLocal(p.From) + sep + m.ToLocal(p.To)
}
