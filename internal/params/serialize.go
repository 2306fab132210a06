package params

import "encoding/json"

// wireParams is the serialized form of a Params: only the local map (by key
// name) plus the names of subscribed shared sets. Shared sets themselves are
// resolved by name on restore.
type wireParams struct {
	Local      map[string]string `json:"local,omitempty"`
	SharedSets []string          `json:"shared_sets,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Params) MarshalJSON() ([]byte, error) {
	w := wireParams{SharedSets: p.sets}
	if len(p.local) > 0 {
		w.Local = make(map[string]string, len(p.local))
		for id, v := range p.local {
			w.Local[KeyName(id)] = v
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Params) UnmarshalJSON(data []byte) error {
	var w wireParams
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.local = make(map[uint32]string, len(w.Local))
	for k, v := range w.Local {
		p.local[GetKey(k)] = v
	}
	p.sets = w.SharedSets
	p.verify = true
	return nil
}
