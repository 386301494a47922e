package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	roads "github.com/Dashron/roads-server"
)

// jsonMarshalFunc allows swapping out the body encoder for testing.
var jsonMarshalFunc = marshalJSON

// marshalJSON encodes like json.Marshal but leaves <, > and & unescaped.
func marshalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeResponse validates resp and produces the status, header set and
// payload to put on the wire. Nothing is written, so a failure here leaves
// the transport untouched.
//
// A structured body (anything but nil, string or []byte) is JSON-encoded and
// gets content-type application/json unless the road already set one. The
// road's header map is never modified.
func EncodeResponse(resp *roads.Response) (int, roads.Headers, []byte, error) {
	if resp == nil {
		return 0, nil, nil, roads.ErrNilResponse
	}
	if !roads.ValidStatus(resp.Status) {
		return 0, nil, nil, fmt.Errorf("%w: %d", roads.ErrInvalidStatus, resp.Status)
	}

	headers := resp.Headers.Clone()
	var payload []byte
	switch body := resp.Body.(type) {
	case nil:
	case string:
		payload = []byte(body)
	case []byte:
		payload = body
	default:
		encoded, err := jsonMarshalFunc(body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to encode response body: %w", err)
		}
		payload = encoded
		if !headers.Has("content-type") {
			headers["content-type"] = "application/json"
		}
	}
	return resp.Status, headers, payload, nil
}

// SendResponse serializes resp onto w and always ends the response when the
// head and body were written.
func SendResponse(w ResponseWriter, resp *roads.Response) error {
	status, headers, payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := w.SendHeaders(status, headers); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := w.WriteData(payload); err != nil {
			return err
		}
	}
	return w.End()
}

// TestingOnlySetJSONMarshal is used by tests to mock the body encoder.
func TestingOnlySetJSONMarshal(fn func(v interface{}) ([]byte, error)) func(v interface{}) ([]byte, error) {
	original := jsonMarshalFunc
	jsonMarshalFunc = fn
	return original
}
