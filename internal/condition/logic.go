package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/opensource-finance/harrier/internal/domain"
)

// logicRunner applies JSON-logic documents to the context document.
type logicRunner struct{}

func (r *logicRunner) eval(cond *domain.Condition, doc *Document) leaf {
	l := leaf{expected: cond.Logic}

	if len(cond.Logic) == 0 {
		l.issue = "logic document is empty"
		return l
	}

	ruleJSON, err := json.Marshal(cond.Logic)
	if err != nil {
		l.issue = fmt.Sprintf("invalid logic document: %v", err)
		return l
	}
	dataJSON, err := json.Marshal(doc.Plain)
	if err != nil {
		l.issue = fmt.Sprintf("invalid context document: %v", err)
		return l
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(ruleJSON), bytes.NewReader(dataJSON), &out); err != nil {
		l.issue = fmt.Sprintf("evaluation error: %v", err)
		return l
	}

	raw := strings.TrimSpace(out.String())
	if raw == "" || raw == "null" {
		return l
	}

	var res any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		l.issue = fmt.Sprintf("unreadable result: %v", err)
		return l
	}

	l.actual = res
	l.matched, l.confidence = truthy(res)
	return l
}

// truthy follows JSON-logic truthiness. Numbers also become the confidence.
func truthy(v any) (bool, float64) {
	switch x := v.(type) {
	case bool:
		if x {
			return true, 1
		}
		return false, 0
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return false, 0
		}
		return f > 0, f
	case string:
		if x != "" {
			return true, 1
		}
		return false, 0
	case []any:
		if len(x) > 0 {
			return true, 1
		}
		return false, 0
	case map[string]any:
		return true, 1
	default:
		return false, 0
	}
}
