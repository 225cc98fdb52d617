package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/Swind/go-worker-threads/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrame_MessageOverBuffer verifies framed messages keep their order and content
// Given: Two messages written to one buffer
// When: They are read back
// Then: Each arrives intact and the stream ends with io.EOF
func TestFrame_MessageOverBuffer(t *testing.T) {
	codec := NewJSONCodec()
	var buf bytes.Buffer

	run := Message{Kind: KindRun, CallID: 1, Method: "fib", Args: []Payload{{Data: float64(10)}}}
	result := Message{Kind: KindResult, CallID: 1, Value: &Payload{Data: "Hello World"}, Complete: true}
	require.NoError(t, WriteMessage(&buf, codec, run))
	require.NoError(t, WriteMessage(&buf, codec, result))

	got, err := ReadMessage(&buf, codec)
	require.NoError(t, err)
	assert.Equal(t, run, got)

	got, err = ReadMessage(&buf, codec)
	require.NoError(t, err)
	assert.Equal(t, result, got)

	_, err = ReadMessage(&buf, codec)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1)))

	_, err := ReadFrame(&buf)
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(10)))
	buf.WriteString("abc")

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestJSONCodec_DecodeValidates(t *testing.T) {
	codec := NewJSONCodec()

	_, err := codec.Decode([]byte(`{"type":"result"}`))
	var perr *core.ProtocolError
	require.ErrorAs(t, err, &perr)

	_, err = codec.Decode([]byte(`{"type":"bogus","uid":1}`))
	require.ErrorAs(t, err, &perr)

	_, err = codec.Decode(nil)
	assert.Error(t, err)
}

func TestMessage_Validate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"init", Message{Kind: KindInit, Exposed: &Exposed{Type: ExposedModule, Methods: []string{"a"}}}, true},
		{"init without exposed", Message{Kind: KindInit}, false},
		{"run", Message{Kind: KindRun, CallID: 3}, true},
		{"run without id", Message{Kind: KindRun}, false},
		{"error without body", Message{Kind: KindError, CallID: 2}, false},
		{"uncaught", Message{Kind: KindUncaughtError, Error: &SerializedError{Message: "x"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type namedErr struct{}

func (namedErr) Error() string     { return "named failure" }
func (namedErr) ErrorName() string { return "TypeError" }

func TestSerializedError(t *testing.T) {
	se := NewSerializedError(errors.New("Ooopsie"))
	assert.Equal(t, SerializedError{Name: "Error", Message: "Ooopsie"}, se)

	se = NewSerializedError(namedErr{})
	assert.Equal(t, "TypeError", se.Name)

	remote := &core.RemoteError{Name: "RangeError", Message: "too big", Stack: "at fib"}
	se = NewSerializedError(remote)
	assert.Equal(t, remote, se.ToError())
}

func TestRoundTrip_CopiesPayload(t *testing.T) {
	args := []any{"a", "b"}
	msg := Message{Kind: KindRun, CallID: 1, Args: []Payload{{Data: args}}}

	copied, err := RoundTrip(NewJSONCodec(), msg)
	require.NoError(t, err)
	args[0] = "changed"

	assert.Equal(t, []any{"a", "b"}, copied.Args[0].Data)
}
