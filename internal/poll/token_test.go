package poll

import "testing"

// TestTokenEncoding verifies the reserved tokens and peer indices never
// collide and survive the round trip.
func TestTokenEncoding(t *testing.T) {
	if TokenTunnel == TokenDefault {
		t.Fatal("reserved tokens collide")
	}

	for _, idx := range []uint32{0, 1, 4096, uint32(MaxPeers - 1)} {
		tok := PeerToken(idx)
		if tok == TokenTunnel || tok == TokenDefault {
			t.Errorf("peer index %d collides with a reserved token", idx)
		}
		got, ok := tok.Peer()
		if !ok || got != idx {
			t.Errorf("PeerToken(%d).Peer() = (%d, %v)", idx, got, ok)
		}
	}

	if _, ok := TokenTunnel.Peer(); ok {
		t.Error("tunnel token decodes as a peer")
	}
	if _, ok := TokenDefault.Peer(); ok {
		t.Error("default-socket token decodes as a peer")
	}
}

// TestTokenString covers the logging names.
func TestTokenString(t *testing.T) {
	testCases := []struct {
		tok  Token
		want string
	}{
		{tok: TokenTunnel, want: "tunnel"},
		{tok: TokenDefault, want: "udp"},
		{tok: PeerToken(7), want: "peer 7"},
	}

	for _, tc := range testCases {
		if got := tc.tok.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
