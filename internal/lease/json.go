package lease

import "encoding/json"

func jsonMarshal(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// jsonMustMarshal is used for payloads assembled from trusted in-process
// values (small maps of ints/strings) where a marshal error is impossible.
func jsonMustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return json.RawMessage(b)
}
