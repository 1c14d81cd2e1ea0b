// Package instruments indexes the 5paisa scripmaster so that ticker symbols
// can be resolved to scrip codes.
package instruments

import "strings"

// Instrument is one scripmaster row.
type Instrument struct {
	ScripCode  int64  `json:"scrip_code"`
	Name       string `json:"name"`
	FullName   string `json:"full_name"`
	Exchange   string `json:"exchange"`
	ExchType   string `json:"exch_type"`
	Series     string `json:"series"`
	ISIN       string `json:"isin"`
	SymbolRoot string `json:"symbol_root"`
}

// IsEquity reports whether the row is a cash-segment listing.
func (i Instrument) IsEquity() bool { return i.ExchType == "C" }

// matches reports whether the upper-cased query appears in the name, full
// name or symbol root.
func (i Instrument) matches(q string) bool {
	return strings.Contains(strings.ToUpper(i.Name), q) ||
		strings.Contains(strings.ToUpper(i.FullName), q) ||
		strings.Contains(strings.ToUpper(i.SymbolRoot), q)
}

// csvRow is the raw CSV shape. ScripCode stays a string so one bad row does
// not fail the whole file.
type csvRow struct {
	Exch       string `csv:"Exch"`
	ExchType   string `csv:"ExchType"`
	ScripCode  string `csv:"ScripCode"`
	Name       string `csv:"Name"`
	FullName   string `csv:"FullName"`
	Series     string `csv:"Series"`
	ISIN       string `csv:"ISIN"`
	SymbolRoot string `csv:"SymbolRoot"`
}
