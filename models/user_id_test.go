package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want UserID
	}{
		{"number", `123456`, "123456"},
		{"negative number", `-42`, "-42"},
		{"string", `" abc "`, "abc"},
		{"numeric string", `"0"`, "0"},
		{"zero", `0`, ""},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id UserID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.want, id)
		})
	}

	for _, bad := range []string{`1.5`, `true`, `{}`} {
		var id UserID
		assert.Error(t, json.Unmarshal([]byte(bad), &id), bad)
	}
}
