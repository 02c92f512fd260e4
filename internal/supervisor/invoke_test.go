package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

var jsonDiffOptions = jsondiff.DefaultJSONOptions()

func TestBuildRequestBodyMergesObjectInput(t *testing.T) {
	s := &Supervisor{}
	input := json.RawMessage(`{"x":1,"y":"two"}`)

	body, err := s.buildRequestBody(input)
	require.NoError(t, err)

	diff, report := jsondiff.Compare(body, []byte(`{"input":{"x":1,"y":"two"},"x":1,"y":"two"}`), &jsonDiffOptions)
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestBuildRequestBodyWrapsNonObjectInput(t *testing.T) {
	s := &Supervisor{}
	input := json.RawMessage(`[1,2,3]`)

	body, err := s.buildRequestBody(input)
	require.NoError(t, err)

	diff, report := jsondiff.Compare(body, []byte(`{"input":[1,2,3]}`), &jsonDiffOptions)
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestBuildRequestBodyInputFieldNotOverridden(t *testing.T) {
	s := &Supervisor{}
	input := json.RawMessage(`{"input":"nested","z":true}`)

	body, err := s.buildRequestBody(input)
	require.NoError(t, err)

	diff, report := jsondiff.Compare(body, []byte(`{"input":{"input":"nested","z":true},"z":true}`), &jsonDiffOptions)
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestInterpretResponseBareString(t *testing.T) {
	output, proof := interpretResponse([]byte(`"hello world"`))
	require.Equal(t, json.RawMessage("hello world"), output)
	require.Nil(t, proof)
}

func TestInterpretResponseObjectWithOutput(t *testing.T) {
	output, proof := interpretResponse([]byte(`{"output":{"n":1},"proof":{"p":2}}`))
	require.JSONEq(t, `{"n":1}`, string(output))
	require.JSONEq(t, `{"p":2}`, string(proof))
}

func TestInterpretResponseObjectWithoutOutputStringifiesWholeBody(t *testing.T) {
	body := []byte(`{"result":"ok","n":42}`)
	output, proof := interpretResponse(body)
	require.JSONEq(t, string(body), string(output))
	require.Nil(t, proof)
}
