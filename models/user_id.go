// models/user_id.go
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// UserID is the caller-supplied account identity. Telegram clients send it as a
// JSON number, web clients as a string; both decode to the same value.
type UserID string

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("uid must be a string or an integer")
	}
	v, err := n.Int64()
	if err != nil {
		return errors.New("uid must be a string or an integer")
	}
	// clients send 0 for "no user"; treat it as absent
	if v == 0 {
		*id = ""
		return nil
	}
	*id = UserID(n.String())
	return nil
}

func (id UserID) String() string { return string(id) }

// DefaultUsername is the display label used when the client sends none.
func (id UserID) DefaultUsername() string { return "user_" + string(id) }
