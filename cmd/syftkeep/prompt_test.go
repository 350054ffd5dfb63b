package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptCmd(stdin io.Reader) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().BoolP("yes", "y", false, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(stdin)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func TestConfirm(t *testing.T) {
	cmd, out := promptCmd(strings.NewReader("maybe\nYes\n"))
	ok, err := confirm(cmd, "Proceed with %d files?", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, strings.Count(out.String(), "Proceed with 3 files? [y/n]: "))

	cmd, _ = promptCmd(strings.NewReader("n\n"))
	ok, err = confirm(cmd, "Proceed?")
	require.NoError(t, err)
	assert.False(t, ok)

	cmd, out = promptCmd(strings.NewReader(""))
	require.NoError(t, cmd.Flags().Set("yes", "true"))
	ok, err = confirm(cmd, "Proceed?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, out.String())

	cmd, _ = promptCmd(strings.NewReader(""))
	_, err = confirm(cmd, "Proceed?")
	require.ErrorIs(t, err, io.EOF)
}

func TestAskPassword_Piped(t *testing.T) {
	in := strings.NewReader("secret\r\nsecond\n")
	cmd, _ := promptCmd(in)

	p, err := askPassword(cmd, "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "secret", p)

	// the rest of the input stays unread
	p, err = askPassword(cmd, "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "second", p)
}

func TestAskNewPassword_RetriesOnMismatch(t *testing.T) {
	cmd, out := promptCmd(strings.NewReader("\na\nb\npw\npw\n"))
	p, err := askNewPassword(cmd, "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "pw", p)
	assert.Contains(t, out.String(), "password must not be empty")
	assert.Contains(t, out.String(), "passwords do not match")
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestReadLine_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := readLine(ctx, blockingReader{})
	require.True(t, errors.Is(err, errInterrupted))
}
