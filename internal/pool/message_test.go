package pool

import (
	"encoding/json"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want RelayMessage
	}{
		{
			name: "ok accepted",
			raw:  `["OK","abc123",true,""]`,
			want: OKMessage{EventID: "abc123", Accepted: true},
		},
		{
			name: "ok rejected with reason",
			raw:  `["OK","abc123",false,"blocked: spam"]`,
			want: OKMessage{EventID: "abc123", Accepted: false, Reason: "blocked: spam"},
		},
		{
			name: "ok without reason field",
			raw:  `["OK","abc123",true]`,
			want: OKMessage{EventID: "abc123", Accepted: true},
		},
		{
			name: "eose",
			raw:  `["EOSE","sub1"]`,
			want: EOSEMessage{SubscriptionID: "sub1"},
		},
		{
			name: "closed with reason",
			raw:  `["CLOSED","sub1","auth-required: do auth"]`,
			want: ClosedMessage{SubscriptionID: "sub1", Reason: "auth-required: do auth"},
		},
		{
			name: "notice",
			raw:  `["NOTICE","slow down"]`,
			want: NoticeMessage{Message: "slow down"},
		},
		{
			name: "auth challenge",
			raw:  `["AUTH","challenge-string"]`,
			want: AuthChallengeMessage{Challenge: "challenge-string"},
		},
		{
			name: "count",
			raw:  `["COUNT","sub1",{"count":42}]`,
			want: CountMessage{SubscriptionID: "sub1", Count: 42},
		},
		{
			name: "neg-msg",
			raw:  `["NEG-MSG","sub1","6100"]`,
			want: NegMsgMessage{SubscriptionID: "sub1", Payload: "6100"},
		},
		{
			name: "neg-err",
			raw:  `["NEG-ERR","sub1","blocked: unsupported"]`,
			want: NegErrMessage{SubscriptionID: "sub1", Reason: "blocked: unsupported"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseRelayMessage([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRelayMessageEvent(t *testing.T) {
	raw := `["EVENT","sub1",{"id":"deadbeef","pubkey":"pk","created_at":1700000000,"kind":1,"tags":[],"content":"hello","sig":"sig"}]`
	got, err := parseRelayMessage([]byte(raw))
	require.NoError(t, err)

	evt, ok := got.(EventMessage)
	require.True(t, ok)
	assert.Equal(t, "sub1", evt.SubscriptionID)
	assert.Equal(t, "deadbeef", evt.Event.ID)
	assert.Equal(t, 1, evt.Event.Kind)
	assert.Equal(t, "hello", evt.Event.Content)
}

func TestParseRelayMessageMalformed(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`{}`,
		`[]`,
		`[42]`,
		`["EVENT","sub1"]`,
		`["OK","id"]`,
		`["OK","id","yes"]`,
		`["EOSE"]`,
		`["COUNT","sub1"]`,
		`["NEG-MSG","sub1"]`,
		`["FROB","sub1"]`,
	}
	for _, raw := range cases {
		_, err := parseRelayMessage([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

// decodeFrame unwraps a client frame back into its JSON array elements.
func decodeFrame(t *testing.T, frame []byte) []json.RawMessage {
	t.Helper()
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &arr))
	return arr
}

func frameLabel(t *testing.T, arr []json.RawMessage) string {
	t.Helper()
	var label string
	require.NoError(t, json.Unmarshal(arr[0], &label))
	return label
}

func TestReqFrameShape(t *testing.T) {
	filters := []nostr.Filter{
		{Kinds: []int{1}, Limit: 10},
		{Authors: []string{"pk1"}},
	}
	frame, err := reqFrame("sub1", filters)
	require.NoError(t, err)

	arr := decodeFrame(t, frame)
	require.Len(t, arr, 4)
	assert.Equal(t, "REQ", frameLabel(t, arr))

	var subID string
	require.NoError(t, json.Unmarshal(arr[1], &subID))
	assert.Equal(t, "sub1", subID)

	var f nostr.Filter
	require.NoError(t, json.Unmarshal(arr[2], &f))
	assert.Equal(t, []int{1}, f.Kinds)
}

func TestCloseFrameShape(t *testing.T) {
	frame, err := closeFrame("sub1")
	require.NoError(t, err)
	arr := decodeFrame(t, frame)
	require.Len(t, arr, 2)
	assert.Equal(t, "CLOSE", frameLabel(t, arr))
}

func TestCountFrameShape(t *testing.T) {
	frame, err := countFrame("sub1", nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	arr := decodeFrame(t, frame)
	require.Len(t, arr, 3)
	assert.Equal(t, "COUNT", frameLabel(t, arr))
}

func TestNegotiationFrameShapes(t *testing.T) {
	frame, err := negOpenFrame("sub1", nostr.Filter{Kinds: []int{1}}, "6100")
	require.NoError(t, err)
	arr := decodeFrame(t, frame)
	require.Len(t, arr, 4)
	assert.Equal(t, "NEG-OPEN", frameLabel(t, arr))

	var initial string
	require.NoError(t, json.Unmarshal(arr[3], &initial))
	assert.Equal(t, "6100", initial)

	frame, err = negMsgFrame("sub1", "61ff")
	require.NoError(t, err)
	arr = decodeFrame(t, frame)
	require.Len(t, arr, 3)
	assert.Equal(t, "NEG-MSG", frameLabel(t, arr))

	frame, err = negCloseFrame("sub1")
	require.NoError(t, err)
	arr = decodeFrame(t, frame)
	require.Len(t, arr, 2)
	assert.Equal(t, "NEG-CLOSE", frameLabel(t, arr))
}

func TestEventAndAuthFrameShapes(t *testing.T) {
	evt := &nostr.Event{Kind: 1, Content: "hi"}

	frame, err := eventFrame(evt)
	require.NoError(t, err)
	arr := decodeFrame(t, frame)
	require.Len(t, arr, 2)
	assert.Equal(t, "EVENT", frameLabel(t, arr))

	frame, err = authFrame(evt)
	require.NoError(t, err)
	arr = decodeFrame(t, frame)
	require.Len(t, arr, 2)
	assert.Equal(t, "AUTH", frameLabel(t, arr))
}
