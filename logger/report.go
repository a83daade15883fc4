package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	reconnectAttempts int64
	eventsIngested    int64
	ticksDropped      int64
	components        sync.Map // map[string]*componentStat
	counters          sync.Map // map[string]*int64
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// IncrementReconnectAttempt counts session reconnect dial attempts.
func IncrementReconnectAttempt() {
	atomic.AddInt64(&reconnectAttempts, 1)
}

// IncrementEventIngested counts inbound terminal events accepted by the
// dispatcher.
func IncrementEventIngested() {
	atomic.AddInt64(&eventsIngested, 1)
}

// IncrementTickDropped counts market-data ticks shed under backpressure.
func IncrementTickDropped() {
	atomic.AddInt64(&ticksDropped, 1)
}

// IncrementCounter bumps a named counter included in the periodic report.
func IncrementCounter(name string) {
	v, _ := counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// StartReport begins periodic logging of runtime and counter statistics. The
// report also feeds CloudWatch when the client has been initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	fields := Fields{
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_mb":      float64(ms.HeapAlloc) / (1 << 20),
		"reconnect_attempts": atomic.LoadInt64(&reconnectAttempts),
		"events_ingested":    atomic.LoadInt64(&eventsIngested),
		"ticks_dropped":      atomic.LoadInt64(&ticksDropped),
	}

	names := make([]string, 0)
	counters.Range(func(k, v interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	for _, name := range names {
		if v, ok := counters.Load(name); ok {
			fields[name] = atomic.LoadInt64(v.(*int64))
		}
	}

	components.Range(func(k, v interface{}) bool {
		cs := v.(*componentStat)
		if w := atomic.LoadInt64(&cs.warns); w > 0 {
			fields["warns_"+k.(string)] = w
		}
		if e := atomic.LoadInt64(&cs.errors); e > 0 {
			fields["errors_"+k.(string)] = e
		}
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("gateway report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("ReconnectAttempts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnectAttempts)))},
		{MetricName: aws.String("EventsIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsIngested)))},
		{MetricName: aws.String("TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksDropped)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}
	publishMetrics(ctx, data)
}
