package schemas

import (
	"encoding/json"
)

// psychUpdateKnown mirrors PsychUpdate without Extras, for two-pass decoding.
type psychUpdateKnown struct {
	DetectedPatterns   []string            `json:"detected_patterns,omitempty"`
	EmotionalState     string              `json:"emotional_state,omitempty"`
	AppliedPrinciple   string              `json:"applied_principle,omitempty"`
	NextDirection      string              `json:"next_direction,omitempty"`
	Confidence         float64             `json:"confidence,omitempty"`
	SemanticAssertions []SemanticAssertion `json:"semantic_assertions,omitempty"`
}

var psychUpdateKeys = map[string]bool{
	"detected_patterns":   true,
	"emotional_state":     true,
	"applied_principle":   true,
	"next_direction":      true,
	"confidence":          true,
	"semantic_assertions": true,
}

// MarshalJSON flattens Extras alongside the known fields so the blob
// round-trips exactly as the model emitted it.
func (p PsychUpdate) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(psychUpdateKnown{
		DetectedPatterns:   p.DetectedPatterns,
		EmotionalState:     p.EmotionalState,
		AppliedPrinciple:   p.AppliedPrinciple,
		NextDirection:      p.NextDirection,
		Confidence:         p.Confidence,
		SemanticAssertions: p.SemanticAssertions,
	})
	if err != nil {
		return nil, err
	}
	if len(p.Extras) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extras {
		if psychUpdateKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and routes everything else into Extras.
func (p *PsychUpdate) UnmarshalJSON(data []byte) error {
	var known psychUpdateKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	p.DetectedPatterns = known.DetectedPatterns
	p.EmotionalState = known.EmotionalState
	p.AppliedPrinciple = known.AppliedPrinciple
	p.NextDirection = known.NextDirection
	p.Confidence = known.Confidence
	p.SemanticAssertions = known.SemanticAssertions

	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if psychUpdateKeys[k] {
			continue
		}
		if p.Extras == nil {
			p.Extras = make(map[string]interface{})
		}
		p.Extras[k] = all[k]
	}
	return nil
}
