package domain

import (
	"encoding/json"
	"time"
)

// Durations cross the JSON boundary as milliseconds (fractional where the
// value is measured). YAML keeps Go duration strings such as "5s".

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func millisPtr(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	ms := millis(*d)
	return &ms
}

func fromMillisPtr(ms *float64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := fromMillis(*ms)
	return &d
}

// MarshalJSON renders AvgExecutionTime in milliseconds.
func (s RuleStatistics) MarshalJSON() ([]byte, error) {
	type plain RuleStatistics
	return json.Marshal(struct {
		plain
		AvgExecutionTime float64 `json:"avgExecutionTime"`
	}{plain(s), millis(s.AvgExecutionTime)})
}

// UnmarshalJSON reads AvgExecutionTime in milliseconds.
func (s *RuleStatistics) UnmarshalJSON(data []byte) error {
	type plain RuleStatistics
	aux := struct {
		*plain
		AvgExecutionTime *float64 `json:"avgExecutionTime"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.AvgExecutionTime != nil {
		s.AvgExecutionTime = fromMillis(*aux.AvgExecutionTime)
	}
	return nil
}

// MarshalJSON renders ExecutionTime in milliseconds.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type plain ExecutionResult
	return json.Marshal(struct {
		plain
		ExecutionTime float64 `json:"executionTime"`
	}{plain(r), millis(r.ExecutionTime)})
}

// UnmarshalJSON reads ExecutionTime in milliseconds.
func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	type plain ExecutionResult
	aux := struct {
		*plain
		ExecutionTime *float64 `json:"executionTime"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ExecutionTime != nil {
		r.ExecutionTime = fromMillis(*aux.ExecutionTime)
	}
	return nil
}

// MarshalJSON renders Delay in milliseconds.
func (a Action) MarshalJSON() ([]byte, error) {
	type plain Action
	return json.Marshal(struct {
		plain
		Delay float64 `json:"delay,omitempty"`
	}{plain(a), millis(a.Delay)})
}

// UnmarshalJSON reads Delay in milliseconds.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	aux := struct {
		*plain
		Delay *float64 `json:"delay"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Delay != nil {
		a.Delay = fromMillis(*aux.Delay)
	}
	return nil
}

// MarshalJSON renders both timeouts in milliseconds.
func (c EngineConfig) MarshalJSON() ([]byte, error) {
	type plain EngineConfig
	return json.Marshal(struct {
		plain
		EvaluationTimeout float64 `json:"evaluationTimeout"`
		ExecutionTimeout  float64 `json:"executionTimeout"`
	}{plain(c), millis(c.EvaluationTimeout), millis(c.ExecutionTimeout)})
}

// UnmarshalJSON reads both timeouts in milliseconds. Absent keys keep the
// current value.
func (c *EngineConfig) UnmarshalJSON(data []byte) error {
	type plain EngineConfig
	aux := struct {
		*plain
		EvaluationTimeout *float64 `json:"evaluationTimeout"`
		ExecutionTimeout  *float64 `json:"executionTimeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.EvaluationTimeout != nil {
		c.EvaluationTimeout = fromMillis(*aux.EvaluationTimeout)
	}
	if aux.ExecutionTimeout != nil {
		c.ExecutionTimeout = fromMillis(*aux.ExecutionTimeout)
	}
	return nil
}

// MarshalJSON renders both timeouts in milliseconds.
func (p ConfigPatch) MarshalJSON() ([]byte, error) {
	type plain ConfigPatch
	return json.Marshal(struct {
		plain
		EvaluationTimeout *float64 `json:"evaluationTimeout,omitempty"`
		ExecutionTimeout  *float64 `json:"executionTimeout,omitempty"`
	}{plain(p), millisPtr(p.EvaluationTimeout), millisPtr(p.ExecutionTimeout)})
}

// UnmarshalJSON reads both timeouts in milliseconds.
func (p *ConfigPatch) UnmarshalJSON(data []byte) error {
	type plain ConfigPatch
	aux := struct {
		*plain
		EvaluationTimeout *float64 `json:"evaluationTimeout"`
		ExecutionTimeout  *float64 `json:"executionTimeout"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.EvaluationTimeout = fromMillisPtr(aux.EvaluationTimeout)
	p.ExecutionTimeout = fromMillisPtr(aux.ExecutionTimeout)
	return nil
}
