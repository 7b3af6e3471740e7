package heimdall

import (
	"expvar"
	"fmt"
)

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("heimdall.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("heimdall.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// ListenerMetrics are collected by every listener.
type ListenerMetrics struct {
	// Total query count.
	query *expvar.Int
	// Responses by response code.
	response *expvar.Map
	// Failure count by reason.
	err *expvar.Map
	// Number of queries dropped without a response.
	drop *expvar.Int
}

func NewListenerMetrics(base string, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:    getVarInt(base, id, "query"),
		response: getVarMap(base, id, "response"),
		err:      getVarMap(base, id, "error"),
		drop:     getVarInt(base, id, "drop"),
	}
}
