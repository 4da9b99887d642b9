// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"sync"
)

// Message types emitted by the agent stream.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
)

// Usage is the token and cost accounting reported by the agent.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"-"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Message is one structured message of an agent run. The decoded fields cover
// what the runner needs; Raw keeps the original payload for the trace.
type Message struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype,omitempty"`
	Result  string  `json:"result,omitempty"`
	IsError bool    `json:"is_error,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
	CostUSD float64 `json:"total_cost_usd,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type messageFields Message

// UnmarshalJSON decodes the known fields and keeps a copy of data.
func (m *Message) UnmarshalJSON(data []byte) error {
	var f messageFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Message(f)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the original payload when there is one.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(messageFields(m))
}

// ParseLine decodes one line of stream-json output.
func ParseLine(line []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(line, &m)
	return m, err
}

// ResultText returns the text of the last result message, or "" when the run
// produced none.
func ResultText(trace []Message) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Type == TypeResult {
			return trace[i].Result
		}
	}
	return ""
}

// TotalUsage sums tokens and cost over every result message in trace.
func TotalUsage(trace []Message) Usage {
	var u Usage
	for _, m := range trace {
		if m.Type != TypeResult {
			continue
		}
		if m.Usage != nil {
			u.InputTokens += m.Usage.InputTokens
			u.OutputTokens += m.Usage.OutputTokens
		}
		u.CostUSD += m.CostUSD
	}
	return u
}

// Trace collects messages from concurrent emitters. It stays readable after
// the run that feeds it was abandoned.
type Trace struct {
	mu   sync.Mutex
	msgs []Message
}

// Append adds m to the trace.
func (t *Trace) Append(m Message) {
	t.mu.Lock()
	t.msgs = append(t.msgs, m)
	t.mu.Unlock()
}

// Messages returns a snapshot of the trace.
func (t *Trace) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.msgs...)
}

// Len returns the number of collected messages.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
