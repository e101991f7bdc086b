package wire

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		expErr error
		check  func(t *testing.T, f Frame)
	}{
		{
			name: "request",
			raw:  `{"type":"request","id":"a","method":"POST","path":"/api/execute","body":{"command":"ls"},"headers":{"X-A":"b"}}`,
			check: func(t *testing.T, f Frame) {
				require.True(t, IsRequest(f))
				r := f.(Request)
				assert.Equal(t, "a", r.ID)
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/api/execute", r.Path)
				assert.JSONEq(t, `{"command":"ls"}`, string(r.Body))
				assert.Equal(t, "b", r.Headers["X-A"])
			},
		},
		{
			name: "terminal response",
			raw:  `{"type":"response","id":"a","status":200,"body":{"ok":true},"done":true}`,
			check: func(t *testing.T, f Frame) {
				require.True(t, IsResponse(f))
				r := f.(Response)
				assert.Equal(t, 200, r.Status)
				assert.True(t, r.Done)
			},
		},
		{
			name: "stream chunk without event",
			raw:  `{"type":"stream","id":"a","data":"hello"}`,
			check: func(t *testing.T, f Frame) {
				require.True(t, IsStreamChunk(f))
				assert.Equal(t, StreamChunk{ID: "a", Data: "hello"}, f.(StreamChunk))
			},
		},
		{
			name: "connection error",
			raw:  `{"type":"error","code":"INTERNAL","message":"boom","status":500}`,
			check: func(t *testing.T, f Frame) {
				require.True(t, IsError(f))
				e := f.(Error)
				assert.Empty(t, e.ID)
				assert.Equal(t, "INTERNAL (500): boom", e.Error())
			},
		},
		{
			name: "unknown control kind is kept raw",
			raw:  `{"type":"control_signal","targetId":"t1","signal":2}`,
			check: func(t *testing.T, f Frame) {
				require.True(t, IsControl(f))
				c := f.(*Control)
				assert.Equal(t, Type("control_signal"), c.Kind)
				assert.Equal(t, 1, c.Version())
			},
		},
		{
			name:   "missing type",
			raw:    `{"id":"a","status":200}`,
			expErr: ErrMissingType,
		},
		{
			name:   "unknown type",
			raw:    `{"type":"bogus","id":"a"}`,
			expErr: ErrUnknownFrame,
		},
		{
			name:   "wrong field type",
			raw:    `{"type":"response","id":"a","status":"ok","done":true}`,
			expErr: &json.UnmarshalTypeError{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := Decode([]byte(c.raw))
			if c.expErr != nil {
				require.Error(t, err)
				if target, ok := c.expErr.(*json.UnmarshalTypeError); ok {
					assert.ErrorAs(t, err, &target)
				} else {
					assert.ErrorIs(t, err, c.expErr)
				}
				return
			}
			require.NoError(t, err)
			c.check(t, f)
		})
	}
}

func TestMarshalInjectsDiscriminant(t *testing.T) {
	frames := []Frame{
		Request{ID: "1", Method: "GET", Path: "/api/ping"},
		Response{ID: "1", Status: 200, Done: true},
		StreamChunk{ID: "1", Data: "x"},
		Error{ID: "1", Code: "NOT_FOUND", Message: "nope", Status: 404},
	}
	for _, f := range frames {
		b, err := Marshal(f)
		require.NoError(t, err)

		var head struct{ Type Type }
		require.NoError(t, json.Unmarshal(b, &head))
		assert.Equal(t, f.Type(), head.Type)

		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, f, decoded)
	}
}

func TestControl(t *testing.T) {
	c, err := NewControl(TerminalResize{TargetID: "term", Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_resize","v":1,"targetId":"term","cols":80,"rows":24}`, string(c.Raw))

	f, err := Decode(c.Raw)
	require.NoError(t, err)
	require.True(t, IsControl(f))

	msg, err := ParseControl(f.(*Control))
	require.NoError(t, err)
	assert.Equal(t, TerminalResize{TargetID: "term", Cols: 80, Rows: 24}, msg)

	_, err = NewControl(badControl{})
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestParseControlVersions(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		exp    ControlMessage
		expErr error
	}{
		{
			name: "no version is v1",
			raw:  `{"type":"control_input","targetId":"term","data":"ls\n"}`,
			exp:  TerminalInput{TargetID: "term", Data: "ls\n"},
		},
		{
			name: "current version",
			raw:  `{"type":"control_input","v":1,"targetId":"term","data":"ls\n"}`,
			exp:  TerminalInput{TargetID: "term", Data: "ls\n"},
		},
		{
			name:   "newer version",
			raw:    `{"type":"control_input","v":2,"targetId":"term","data":"ls\n"}`,
			expErr: ErrUnsupportedVersion,
		},
		{
			name:   "newer version of an unknown kind",
			raw:    `{"type":"control_attach","v":3,"targetId":"term"}`,
			expErr: ErrUnsupportedVersion,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f, err := Decode([]byte(c.raw))
			require.NoError(t, err)
			msg, err := ParseControl(f.(*Control))
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				assert.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, msg)
		})
	}
}

type badControl struct{}

func (badControl) ControlType() Type { return "resize" }

func TestIDsAreUniqueAndOrdered(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	gen := NewIDGeneratorWithClock(func() time.Time { return now })

	const n = 10000
	ids := make([]string, 0, n)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		id := gen.Next()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids = append(ids, id)
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Regexp(t, `^ws_1700000000000_[0-9a-z]{8}$`, ids[0])

	// a clock that moves forward keeps the order, one that goes back does not break it
	now = now.Add(time.Millisecond)
	later := gen.Next()
	assert.Greater(t, later, ids[n-1])
	now = now.Add(-time.Second)
	assert.Greater(t, gen.Next(), later)
}
