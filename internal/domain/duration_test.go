package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationsAreMillisecondsOnTheWire(t *testing.T) {
	t.Run("RuleStatistics", func(t *testing.T) {
		data, err := json.Marshal(RuleStatistics{AvgExecutionTime: 1500 * time.Microsecond, SuccessRate: 1})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if !strings.Contains(string(data), `"avgExecutionTime":1.5`) {
			t.Errorf("expected 1.5ms, got %s", data)
		}
		if !strings.Contains(string(data), `"successRate":1`) {
			t.Errorf("other fields must survive, got %s", data)
		}

		var back RuleStatistics
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if back.AvgExecutionTime != 1500*time.Microsecond || back.SuccessRate != 1 {
			t.Errorf("unexpected decoded statistics %+v", back)
		}
	})

	t.Run("ExecutionResult", func(t *testing.T) {
		data, _ := json.Marshal(ExecutionResult{RuleID: "r", ExecutionTime: 20 * time.Millisecond})
		if !strings.Contains(string(data), `"executionTime":20`) || !strings.Contains(string(data), `"ruleId":"r"`) {
			t.Errorf("unexpected encoding %s", data)
		}
	})

	t.Run("ActionDelay", func(t *testing.T) {
		var a Action
		if err := json.Unmarshal([]byte(`{"id":"a","type":"ui-adjustment","target":"w","delay":250}`), &a); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if a.Delay != 250*time.Millisecond || a.Target != "w" {
			t.Errorf("unexpected action %+v", a)
		}

		data, _ := json.Marshal(Action{ID: "b"})
		if strings.Contains(string(data), "delay") {
			t.Errorf("zero delay must be omitted, got %s", data)
		}
	})

	t.Run("ActionDelayYAML", func(t *testing.T) {
		var a Action
		if err := yaml.Unmarshal([]byte("id: a\ndelay: 2s\n"), &a); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if a.Delay != 2*time.Second {
			t.Errorf("yaml keeps duration strings, got %s", a.Delay)
		}
	})

	t.Run("EngineConfigKeepsAbsentTimeouts", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		if err := json.Unmarshal([]byte(`{"executionTimeout": 1500}`), &cfg); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if cfg.ExecutionTimeout != 1500*time.Millisecond {
			t.Errorf("expected 1.5s, got %s", cfg.ExecutionTimeout)
		}
		if cfg.EvaluationTimeout != 5*time.Second {
			t.Errorf("absent timeout must be kept, got %s", cfg.EvaluationTimeout)
		}
	})

	t.Run("ConfigPatch", func(t *testing.T) {
		var p ConfigPatch
		if err := json.Unmarshal([]byte(`{"evaluationTimeout": 100, "maxWorkers": 4}`), &p); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if p.EvaluationTimeout == nil || *p.EvaluationTimeout != 100*time.Millisecond {
			t.Errorf("unexpected evaluation timeout %v", p.EvaluationTimeout)
		}
		if p.ExecutionTimeout != nil {
			t.Error("absent timeout must stay nil")
		}
		if p.MaxWorkers == nil || *p.MaxWorkers != 4 {
			t.Error("other fields must decode")
		}
	})
}
