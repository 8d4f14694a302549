package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phrase = "digital reform tent oxygen club outer over envelope inner sick adapt oval"

func TestRunDerivesFromPhrase(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, run(&a, phrase, "", 12))
	require.NoError(t, run(&b, phrase, "", 12))

	assert.Equal(t, a.String(), b.String())
	assert.NotContains(t, a.String(), "Mnemonic:")
	assert.Contains(t, a.String(), "Private key: ")
}

func TestRunGeneratesPhrase(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&out, "", "", 24))

	line := strings.SplitN(out.String(), "\n", 2)[0]
	assert.Len(t, strings.Fields(strings.TrimPrefix(line, "Mnemonic:")), 24)
}

func TestRunRejects(t *testing.T) {
	assert.Error(t, run(&bytes.Buffer{}, "", "", 15))
	assert.Error(t, run(&bytes.Buffer{}, "not a real seed phrase", "", 12))
}
