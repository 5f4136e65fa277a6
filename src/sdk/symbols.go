package sdk

import "reflect"

// ImportPath is the path sandboxed code imports the sdk under.
const ImportPath = "fundengine/sdk"

// Symbols is the interpreter export table for this package, keyed the way yaegi expects
// ("import/path/name").
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/sdk": {
		"Buy":                reflect.ValueOf(Buy),
		"Close":              reflect.ValueOf(Close),
		"Modify":             reflect.ValueOf(Modify),
		"IntentDay":          reflect.ValueOf(IntentDay),
		"IntentSwing":        reflect.ValueOf(IntentSwing),
		"IntentPosition":     reflect.ValueOf(IntentPosition),
		"StrategyEntrypoint": reflect.ValueOf(StrategyEntrypoint),
		"AnalysisEntrypoint": reflect.ValueOf(AnalysisEntrypoint),

		"Position":     reflect.ValueOf((*Position)(nil)),
		"Market":       reflect.ValueOf((*Market)(nil)),
		"Decision":     reflect.ValueOf((*Decision)(nil)),
		"Row":          reflect.ValueOf((*Row)(nil)),
		"Querier":      reflect.ValueOf((*Querier)(nil)),
		"Report":       reflect.ValueOf((*Report)(nil)),
		"StrategyFunc": reflect.ValueOf((*StrategyFunc)(nil)),
		"AnalysisFunc": reflect.ValueOf((*AnalysisFunc)(nil)),

		"_Querier": reflect.ValueOf((*_Querier)(nil)),
	},
}

// _Querier lets interpreted code implement Querier.
type _Querier struct {
	IValue interface{}
	WQuery func(query string, args ...interface{}) ([]Row, error)
}

func (W _Querier) Query(query string, args ...interface{}) ([]Row, error) {
	return W.WQuery(query, args...)
}
