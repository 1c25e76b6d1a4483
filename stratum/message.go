package stratum

import "encoding/json"

// request is an inbound JSON-RPC style message: {id, method, params}.
// Params stays raw so a message with a non-array params still dispatches;
// only the segment itself failing to parse is a framing error.
type request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// positional decodes params as a positional array. Absent or non-array
// params yield no positional values.
func (r request) positional() []interface{} {
	var params []interface{}
	if len(r.Params) == 0 || json.Unmarshal(r.Params, &params) != nil {
		return nil
	}

	return params
}

// response answers a request: {id, result, error}.
type response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// notification is a server-initiated message; ID is always null.
type notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// stringParam reads params[i] as a string, returning "" when the parameter
// is missing or not a string.
func stringParam(params []interface{}, i int) string {
	if i >= len(params) {
		return ""
	}

	s, _ := params[i].(string)
	return s
}
