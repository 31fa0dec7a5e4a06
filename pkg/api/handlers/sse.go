package handlers

import (
	"encoding/json"
	"fmt"
	"io"
)

// writeSSE writes one server-sent event with a JSON payload.
func writeSSE(w io.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
