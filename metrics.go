// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import "expvar"

// dispatchMetrics record client and server activity counters.
type dispatchMetrics struct {
	requests      expvar.Int // inbound requests handled by a server
	requestsErr   expvar.Int // inbound requests answered with a 4xx/5xx
	streamsActive expvar.Int // gauge of open event streams
	eventsSent    expvar.Int // frames written to event streams
	eventsDropped expvar.Int // inbound frames rejected by a client validator
	callsOut      expvar.Int // outbound calls initiated
	callsOutErr   expvar.Int // outbound calls reporting an error
	callsCanceled expvar.Int // outbound calls cancelled by the caller
	callsPending  expvar.Int // gauge of outbound calls in flight

	emap *expvar.Map
}

var rootMetrics = newDispatchMetrics()

func newDispatchMetrics() *dispatchMetrics {
	dm := &dispatchMetrics{emap: new(expvar.Map)}
	dm.emap.Set("requests", &dm.requests)
	dm.emap.Set("requests_failed", &dm.requestsErr)
	dm.emap.Set("streams_active", &dm.streamsActive)
	dm.emap.Set("events_sent", &dm.eventsSent)
	dm.emap.Set("events_dropped", &dm.eventsDropped)
	dm.emap.Set("calls_out", &dm.callsOut)
	dm.emap.Set("calls_out_failed", &dm.callsOutErr)
	dm.emap.Set("calls_canceled", &dm.callsCanceled)
	dm.emap.Set("calls_pending", &dm.callsPending)
	return dm
}
