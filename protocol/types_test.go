package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKnownValue(t *testing.T) {
	// sha1("s5b_1" + "a@x/r" + "b@x/r")
	key := Hash("s5b_1", "a@x/r", "b@x/r")
	assert.Len(t, string(key), 40)
	assert.Equal(t, key, Hash("s5b_1", "a@x/r", "b@x/r"))
	assert.NotEqual(t, key, Hash("s5b_1", "b@x/r", "a@x/r"))
}

func TestHashEmptyInputs(t *testing.T) {
	assert.Equal(t, HashKey("da39a3ee5e6b4b0d3255bfef95601890afd80709"), Hash("", "", ""))
}

func TestSessionKeyHashes(t *testing.T) {
	k := SessionKey{Initiator: "a@x/r", Target: "b@x/r", SID: "sid"}
	assert.Equal(t, Hash("sid", "a@x/r", "b@x/r"), k.Hash())
	assert.Equal(t, Hash("sid", "b@x/r", "a@x/r"), k.ReverseHash())
	assert.Equal(t, "a@x/r->b@x/r[sid]", k.String())
}

func TestModeRoundTrip(t *testing.T) {
	assert.Equal(t, ModeDatagram, ParseMode(ModeDatagram.String()))
	assert.Equal(t, ModeStream, ParseMode(ModeStream.String()))
	assert.Equal(t, ModeStream, ParseMode(""))
	assert.Equal(t, ModeStream, ParseMode("sctp"))
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		ok   bool
	}{
		{"valid", Candidate{JID: "j", Host: "h", Port: 1}, true},
		{"no jid", Candidate{Host: "h", Port: 1}, false},
		{"no host", Candidate{JID: "j", Port: 1}, false},
		{"port zero", Candidate{JID: "j", Host: "h"}, false},
		{"port high", Candidate{JID: "j", Host: "h", Port: 65536}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCandidateAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:80", Candidate{Host: "10.0.0.1", Port: 80}.Address())
	assert.Equal(t, "[::1]:80", Candidate{Host: "::1", Port: 80}.Address())
}

func TestDirectFirst(t *testing.T) {
	list := []Candidate{
		{JID: "p1", IsProxy: true},
		{JID: "d1"},
		{JID: "p2", IsProxy: true},
		{JID: "d2"},
	}
	got := DirectFirst(list)
	assert.Equal(t, []string{"d1", "d2", "p1", "p2"}, []string{got[0].JID, got[1].JID, got[2].JID, got[3].JID})
	assert.True(t, HasProxy(list))
	assert.False(t, HasProxy(got[:2]))
	assert.True(t, HasJID(list, "d2"))
	assert.False(t, HasJID(list, "d3"))
}

func TestSameJID(t *testing.T) {
	assert.True(t, SameJID("Alice@Example.com/Res", "alice@example.com/Res"))
	assert.False(t, SameJID("alice@example.com/Res", "alice@example.com/res"))
	assert.False(t, SameJID("", ""))
	assert.Equal(t, "example.com", Domain("alice@Example.com/r"))
	assert.Equal(t, "proxy.example.com", Domain("proxy.example.com"))
}
