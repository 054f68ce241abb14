package transcript

import "encoding/json"

// Action is a quick reply or card button attached to an agent entry.
type Action struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	DisplayText string          `json:"displayText,omitempty"`
	Label       string          `json:"label,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	URI         string          `json:"uri,omitempty"`
}

// Reply is what the widget sends back when an action is picked.
type Reply struct {
	Text        string          `json:"text,omitempty"`
	DisplayText bool            `json:"displayText"`
	Data        json.RawMessage `json:"data,omitempty"`

	// WantsLocation asks the caller to share a location instead of replying.
	WantsLocation bool `json:"-"`
	// WantsDate asks the caller to pick a date before replying.
	WantsDate bool `json:"-"`
}

// ResolveAction maps a picked action to the reply to send.
func ResolveAction(a Action) Reply {
	r := Reply{Text: firstOf(a.DisplayText, a.Text, a.Label), Data: a.Data}
	switch a.Type {
	case "message":
		r.DisplayText = true
		r.Data = jsonString(a.Text)
	case "URI":
		r.Text = ""
		r.Data = nil
	case "location":
		return Reply{WantsLocation: true}
	case "camera":
		r.Data = jsonString(a.Label)
	case "datetime":
		r.WantsDate = true
	}
	return r
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
