package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestGetLoggerIsSingleton(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("global logger missing")
	}
	if GetLogger() != GetLogger() {
		t.Error("GetLogger should return the same instance")
	}
}

func TestConfigureRejectsBadValues(t *testing.T) {
	l := Logger()

	if err := l.Configure("shouting", "json", "stdout", 0); err == nil {
		t.Error("invalid level should fail")
	}
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Error("invalid format should fail")
	}
	if err := l.Configure("debug", "text", "stderr", 0); err != nil {
		t.Errorf("valid settings rejected: %v", err)
	}
}

func TestWithComponentEmitsComponentField(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("session").WithFields(Fields{"attempt": 3}).Info("reconnect attempt")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "session" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("expected attempt field, got %v", entry["attempt"])
	}
	if entry["message"] != "reconnect attempt" {
		t.Errorf("expected message field, got %v", entry["message"])
	}
	if entry["timestamp"] == nil || entry["level"] == nil {
		t.Errorf("expected remapped timestamp/level fields: %v", entry)
	}
}

func TestCallerReportedOutsideLoggerPackage(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("test").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	file, _ := entry["file"].(string)
	if file == "" {
		t.Fatalf("expected a file field in the log line: %v", entry)
	}
	// The hook must never blame the logger package itself.
	if strings.Contains(file, "logger.go") || strings.Contains(file, "caller_hook.go") {
		t.Errorf("caller points inside the logger package: %s", file)
	}
}

func TestCountersAccumulate(t *testing.T) {
	IncrementReconnectAttempt()
	IncrementEventIngested()
	IncrementTickDropped()
	IncrementCounter("orders_placed")
	IncrementCounter("orders_placed")

	v, ok := counters.Load("orders_placed")
	if !ok {
		t.Fatal("named counter was not stored")
	}
	if *v.(*int64) < 2 {
		t.Errorf("expected counter >= 2, got %d", *v.(*int64))
	}
}

func TestWarnRecordsComponentStat(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("ledger").Warn("anomaly")

	v, ok := components.Load("ledger")
	if !ok {
		t.Fatal("component stat was not recorded")
	}
	if v.(*componentStat).warns < 1 {
		t.Error("warn counter not incremented")
	}
}
