package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseCommand(t *testing.T) {
	tcases := []struct {
		name    string
		line    string
		want    command
		wantErr bool
	}{
		{name: "plain message", line: "  hello there ", want: command{args: []string{"hello there"}}},
		{name: "join", line: "/join c2", want: command{name: "join", args: []string{"c2"}}},
		{name: "react", line: "/react m1 👍", want: command{name: "react", args: []string{"m1", "👍"}}},
		{name: "leave current", line: "/leave", want: command{name: "leave", args: []string{}}},
		{name: "leave named", line: "/leave c1", want: command{name: "leave", args: []string{"c1"}}},
		{name: "quit", line: "/quit", want: command{name: "quit", args: []string{}}},
		{name: "missing argument", line: "/join", wantErr: true},
		{name: "too many arguments", line: "/leave c1 c2", wantErr: true},
		{name: "unknown command", line: "/dance", wantErr: true},
		{name: "bare slash", line: "/", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCommand(tc.line)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func Test_tokenCmd(t *testing.T) {
	key := []byte("test-signing-key")
	out := &bytes.Buffer{}

	cmd := rootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"token", "--user-id", "u1", "--name", "Alice", "--signing-key", base64.StdEncoding.EncodeToString(key)})
	require.NoError(t, cmd.Execute())

	identity, err := store.VerifyToken(key, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserId)
	assert.Equal(t, "Alice", identity.DisplayName)
}

func Test_tokenCmd_requiresUser(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--signing-key", "a2V5"})
	assert.ErrorContains(t, cmd.Execute(), "--user-id is required")
}
