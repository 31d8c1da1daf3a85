package scheduler

import "encoding/json"

// jsonMarshal/jsonUnmarshal are the entity wire format: plain JSON, like the
// rest of the example pack's Redis-backed services use for values that
// aren't raw counters or bytes.
func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
