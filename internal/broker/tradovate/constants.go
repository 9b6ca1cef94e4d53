package tradovate

import "strings"

// ContractSpec describes a futures contract root used for P&L math.
type ContractSpec struct {
	Symbol          string
	Name            string
	TickSize        float64
	TickValue       float64
	MarginDay       float64
	MarginOvernight float64
}

// ContractSpecs maps contract roots to their specifications.
var ContractSpecs = map[string]ContractSpec{
	"ES": {
		Symbol:          "ES",
		Name:            "E-mini S&P 500",
		TickSize:        0.25,
		TickValue:       12.50,
		MarginDay:       500.00,
		MarginOvernight: 11000.00,
	},
	"NQ": {
		Symbol:          "NQ",
		Name:            "E-mini NASDAQ-100",
		TickSize:        0.25,
		TickValue:       5.00,
		MarginDay:       500.00,
		MarginOvernight: 9900.00,
	},
	"MES": {
		Symbol:          "MES",
		Name:            "Micro E-mini S&P 500",
		TickSize:        0.25,
		TickValue:       1.25,
		MarginDay:       50.00,
		MarginOvernight: 1100.00,
	},
	"MNQ": {
		Symbol:          "MNQ",
		Name:            "Micro E-mini NASDAQ-100",
		TickSize:        0.25,
		TickValue:       0.50,
		MarginDay:       50.00,
		MarginOvernight: 990.00,
	},
}

// KnownContracts maps Tradovate contract IDs to tradable symbols.
var KnownContracts = map[string]string{
	"3594446": "MNQZ4",
	"3138191": "NQZ4",
	"3594447": "MESZ4",
}

var defaultSpec = ContractSpec{TickSize: 0.01, TickValue: 1.0}

// SpecForSymbol resolves a contract spec by the longest matching root, so
// NQZ4 resolves to NQ and MNQZ4 to MNQ. Unknown roots get a penny-tick
// default.
func SpecForSymbol(symbol string) ContractSpec {
	best := ""
	for root := range ContractSpecs {
		if strings.HasPrefix(symbol, root) && len(root) > len(best) {
			best = root
		}
	}
	if best == "" {
		return defaultSpec
	}
	return ContractSpecs[best]
}
