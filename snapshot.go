package colloquy

import "encoding/json"

// TrackerSnapshot is the JSON persistence form of a Tracker. Events and
// call results travel as EncodeEvent envelopes so the concrete types
// survive the round trip. Argument values of interface type come back as
// generic JSON values (numbers as float64), same as any stored payload.
type TrackerSnapshot struct {
	Sender  string `json:"sender"`
	BotName string `json:"bot_name"`
	Seq     int64  `json:"seq"`

	Events []json.RawMessage `json:"events"`

	Args         map[string]map[string]any        `json:"args"`
	Mapping      map[string]map[string]argBinding `json:"mapping,omitempty"`
	Globals      []string                         `json:"globals,omitempty"`
	GlobalValues map[string]any                   `json:"global_values,omitempty"`

	Stack     []*CurrentAgent          `json:"stack,omitempty"`
	Histories map[string][]ChatMessage `json:"histories,omitempty"`
	LastTouch map[string]int64         `json:"last_touch,omitempty"`

	Flows map[string]*FlowSnapshot `json:"flows,omitempty"`
}

// FlowSnapshot persists one flow agent's interpreter scratch.
type FlowSnapshot struct {
	Paths       [][]string                 `json:"paths,omitempty"`
	Counters    map[string]int             `json:"counters,omitempty"`
	IsListen    bool                       `json:"is_listen,omitempty"`
	LastExtract int64                      `json:"last_extract,omitempty"`
	CallResults map[string]json.RawMessage `json:"call_results,omitempty"`
}

// Snapshot captures the tracker's full state for persistence.
func (t *Tracker) Snapshot() (*TrackerSnapshot, error) {
	s := &TrackerSnapshot{
		Sender:       t.Sender,
		BotName:      t.BotName,
		Seq:          t.seq,
		Args:         t.args,
		Mapping:      t.mapping,
		GlobalValues: t.globalVa,
		Stack:        t.stack,
		Histories:    t.histories,
		LastTouch:    t.lastTouch,
	}
	for g := range t.globals {
		s.Globals = append(s.Globals, g)
	}
	for _, ev := range t.Events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		s.Events = append(s.Events, data)
	}
	for name, f := range t.flows {
		fs := &FlowSnapshot{
			Paths:       f.paths,
			Counters:    f.counters,
			IsListen:    f.IsListen,
			LastExtract: f.lastExtract,
		}
		for stepID, ev := range f.callResults {
			data, err := EncodeEvent(ev)
			if err != nil {
				return nil, err
			}
			if fs.CallResults == nil {
				fs.CallResults = make(map[string]json.RawMessage)
			}
			fs.CallResults[stepID] = data
		}
		if s.Flows == nil {
			s.Flows = make(map[string]*FlowSnapshot)
		}
		s.Flows[name] = fs
	}
	return s, nil
}

// RestoreTracker rebuilds a Tracker from a snapshot.
func RestoreTracker(s *TrackerSnapshot) (*Tracker, error) {
	t := NewTracker(s.Sender, s.BotName, nil, s.Globals)
	t.seq = s.Seq
	if s.Args != nil {
		t.args = s.Args
	}
	if s.Mapping != nil {
		t.mapping = s.Mapping
	}
	if s.GlobalValues != nil {
		t.globalVa = s.GlobalValues
	}
	t.stack = s.Stack
	if s.Histories != nil {
		t.histories = s.Histories
	}
	if s.LastTouch != nil {
		t.lastTouch = s.LastTouch
	}
	for _, data := range s.Events {
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		t.Events = append(t.Events, ev)
		if u, ok := ev.(*UserInput); ok {
			t.LatestMessage = u
		}
	}
	for name, fs := range s.Flows {
		f := newFlowInfo()
		f.paths = fs.Paths
		if fs.Counters != nil {
			f.counters = fs.Counters
		}
		f.IsListen = fs.IsListen
		f.lastExtract = fs.LastExtract
		for stepID, data := range fs.CallResults {
			ev, err := DecodeEvent(data)
			if err != nil {
				return nil, err
			}
			f.callResults[stepID] = ev
		}
		t.flows[name] = f
	}
	return t, nil
}

// MergeTemplate fills in argument slots the snapshot predates: agents or
// arguments added to the bot definition since the session was saved get
// their declared (nil) entries without disturbing stored values.
func (t *Tracker) MergeTemplate(argsTemplate map[string][]string, globals []string) {
	for agent, names := range argsTemplate {
		m := t.args[agent]
		if m == nil {
			m = make(map[string]any, len(names))
			t.args[agent] = m
		}
		for _, n := range names {
			if _, ok := m[n]; !ok {
				m[n] = nil
			}
		}
	}
	for _, g := range globals {
		t.globals[g] = true
	}
}
