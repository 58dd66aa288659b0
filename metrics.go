// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// callMetrics record dispatch activity counters.
type callMetrics struct {
	callOut     expvar.Int // number of calls dispatched through Context.Call
	callOutErr  expvar.Int // number of dispatched calls reporting an error
	callLocal   expvar.Int // dispatches resolved to an in-process endpoint
	callRemote  expvar.Int // dispatches resolved to a transport
	notFound    expvar.Int // lookups that failed to resolve a service
	callIn      expvar.Int // number of calls received by a remote endpoint
	callInErr   expvar.Int // number of received calls reporting an error
	callActive  expvar.Int // received calls currently executing
	callPending expvar.Int // dispatched calls awaiting a result

	emap *expvar.Map
}

var rootMetrics = newCallMetrics()

func newCallMetrics() *callMetrics {
	cm := &callMetrics{emap: new(expvar.Map)}
	cm.emap.Set("calls_out", &cm.callOut)
	cm.emap.Set("calls_out_failed", &cm.callOutErr)
	cm.emap.Set("calls_local", &cm.callLocal)
	cm.emap.Set("calls_remote", &cm.callRemote)
	cm.emap.Set("lookups_failed", &cm.notFound)
	cm.emap.Set("calls_in", &cm.callIn)
	cm.emap.Set("calls_in_failed", &cm.callInErr)
	cm.emap.Set("calls_active", &cm.callActive)
	cm.emap.Set("calls_pending", &cm.callPending)
	return cm
}

// Metrics returns the metrics map shared by all processes. It is safe for the
// caller to add additional metrics to the map.
//
// The metrics currently exported include:
//
//   - calls_out: counter of calls dispatched by Context.Call
//   - calls_out_failed: counter of dispatched calls resulting in errors
//   - calls_local: counter of dispatches to in-process endpoints
//   - calls_remote: counter of dispatches through a transport
//   - lookups_failed: counter of service names that did not resolve
//   - calls_in: counter of calls received by remote endpoints
//   - calls_in_failed: counter of received calls resulting in errors
//   - calls_active: gauge of received calls currently active
//   - calls_pending: gauge of dispatched calls awaiting a result
func Metrics() *expvar.Map { return rootMetrics.emap }

// MetricsCollector returns a Prometheus collector that reports the integer
// values of the metrics map under the "fan_" prefix. The collector is
// unchecked, so metrics added to the map after registration are reported too.
func MetricsCollector() prometheus.Collector { return expvarCollector{m: rootMetrics.emap} }

type expvarCollector struct{ m *expvar.Map }

func (c expvarCollector) desc(name string) *prometheus.Desc {
	return prometheus.NewDesc("fan_"+name, "fan metric "+name, nil, nil)
}

// Describe implements a method of the prometheus.Collector interface. It
// sends no descriptors, since the contents of the map may change.
func (expvarCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements a method of the prometheus.Collector interface.
func (c expvarCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			ch <- prometheus.MustNewConstMetric(c.desc(kv.Key), prometheus.UntypedValue, float64(v.Value()))
		}
	})
}
