package formula

import "strings"

var aggregateFunctions = map[string]bool{
	"sum": true, "sum_if": true,
	"count": true, "count_if": true,
	"countd": true, "countd_if": true, "countd_approx": true,
	"avg": true, "avg_if": true,
	"min": true, "max": true, "any": true,
	"median": true, "quantile": true,
	"stdev": true, "stdevp": true, "var": true, "varp": true,
	"arg_min": true, "arg_max": true,
	"all_concat": true, "top_concat": true,
}

var windowFunctions = map[string]bool{
	"rank": true, "rank_dense": true, "rank_unique": true, "rank_percentile": true,
	"rsum": true, "rcount": true, "rmin": true, "rmax": true, "ravg": true,
	"msum": true, "mcount": true, "mmin": true, "mmax": true, "mavg": true,
	"lag": true, "first": true, "last": true,
}

var lookupFunctions = map[string]bool{
	"ago":     true,
	"at_date": true,
}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool { return aggregateFunctions[strings.ToLower(name)] }

// IsWindow reports whether name is a window function.
func IsWindow(name string) bool { return windowFunctions[strings.ToLower(name)] }

// IsLookup reports whether name is a lookup function (AGO, AT_DATE).
func IsLookup(name string) bool { return lookupFunctions[strings.ToLower(name)] }

// isAggregateCall reports whether n is a call of an aggregate function.
func isAggregateCall(n Node) (*FuncCall, bool) {
	call, ok := n.(*FuncCall)
	if !ok || !IsAggregate(call.Name) {
		return nil, false
	}
	return call, true
}
