package market

import (
	"errors"
	"testing"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{"BTC-EUR", Pair{"BTC", "EUR"}, false},
		{"btc/usd", Pair{"BTC", "USD"}, false},
		{"ETH_BTC", Pair{"ETH", "BTC"}, false},
		{"BTCEUR", Pair{}, true},
		{"", Pair{}, true},
	}
	for _, tt := range tests {
		got, err := ParsePair(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePair(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePair(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPairIsOrdered(t *testing.T) {
	seen := map[Pair]bool{NewPair("BTC", "EUR"): true}
	if seen[NewPair("EUR", "BTC")] {
		t.Error("expected (EUR, BTC) to differ from (BTC, EUR)")
	}
	if !seen[NewPair("btc", "eur")] {
		t.Error("expected codes to be normalised to upper case")
	}
}

func TestCurrencyMap(t *testing.T) {
	m := NewCurrencyMap(map[string]string{"BTC": "XXBT", "EUR": "ZEUR"})

	if got := m.ToLocal("BTC"); got != "XXBT" {
		t.Errorf("ToLocal(BTC) = %s", got)
	}
	if got := m.ToStandard("ZEUR"); got != "EUR" {
		t.Errorf("ToStandard(ZEUR) = %s", got)
	}
	if got := m.ToLocal("LTC"); got != "LTC" {
		t.Errorf("unmapped code should pass through, got %s", got)
	}
	if got := m.ToStandard("BCH"); got != "BCH" {
		t.Errorf("unmapped local code should pass through, got %s", got)
	}
	if got := m.LocalPair(NewPair("BTC", "EUR"), ""); got != "XXBTZEUR" {
		t.Errorf("LocalPair = %s", got)
	}

	var empty CurrencyMap
	if got := empty.ToLocal("BTC"); got != "BTC" {
		t.Errorf("zero CurrencyMap should pass through, got %s", got)
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	err := errors.Join(ErrTimeout)
	if !errors.Is(err, ErrTransport) {
		t.Error("expected a timeout to match ErrTransport")
	}
	if errors.Is(ErrTransport, ErrTimeout) {
		t.Error("a plain transport error is not a timeout")
	}
}
