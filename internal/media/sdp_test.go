package media

import (
	"errors"
	"strings"
	"testing"
)

// Typical SDP offer from a SIP phone with audio codecs.
const testSDPOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.168.1.100\r\n" +
	"s=Phone Call\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 111 8 0 101\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=sendonly\r\n"

func TestParseSDP(t *testing.T) {
	d, err := ParseSDP([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	if d.Addr != "192.168.1.100" {
		t.Errorf("addr = %q, want %q", d.Addr, "192.168.1.100")
	}
	if d.Port != 49170 {
		t.Errorf("port = %d, want 49170", d.Port)
	}
	want := []uint8{111, 8, 0, 101}
	if len(d.PayloadTypes) != len(want) {
		t.Fatalf("payload types = %v, want %v", d.PayloadTypes, want)
	}
	for i, pt := range want {
		if d.PayloadTypes[i] != pt {
			t.Errorf("payload type %d = %d, want %d", i, d.PayloadTypes[i], pt)
		}
	}
	if d.Direction != DirectionSendOnly {
		t.Errorf("direction = %q, want %q", d.Direction, DirectionSendOnly)
	}
}

func TestParseSDP_MediaConnectionOverridesSession(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.2\r\n"

	d, err := ParseSDP([]byte(body))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}
	if d.Addr != "10.0.0.2" {
		t.Errorf("addr = %q, want media-level 10.0.0.2", d.Addr)
	}
	if d.Direction != DirectionSendRecv {
		t.Errorf("default direction = %q, want sendrecv", d.Direction)
	}
}

func TestParseSDP_NoAudio(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n"

	_, err := ParseSDP([]byte(body))
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestParseSDP_Garbage(t *testing.T) {
	if _, err := ParseSDP([]byte("not sdp")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestBuildSDP_RoundTrip(t *testing.T) {
	body, err := BuildSDP("203.0.113.5", 10002, 42, nil, DirectionRecvOnly)
	if err != nil {
		t.Fatalf("BuildSDP failed: %v", err)
	}

	s := string(body)
	for _, want := range []string{
		"c=IN IP4 203.0.113.5",
		"m=audio 10002 RTP/AVP 0 8",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=recvonly",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("sdp missing %q:\n%s", want, s)
		}
	}

	d, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("ParseSDP of built sdp failed: %v", err)
	}
	if d.Addr != "203.0.113.5" || d.Port != 10002 {
		t.Errorf("parsed %s:%d, want 203.0.113.5:10002", d.Addr, d.Port)
	}
	if d.Direction != DirectionRecvOnly {
		t.Errorf("direction = %q, want recvonly", d.Direction)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		offered []uint8
		want    uint8
		ok      bool
	}{
		{"pcmu only", []uint8{0}, 0, true},
		{"first supported wins", []uint8{111, 8, 0}, 8, true},
		{"none supported", []uint8{111, 101}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Negotiate(tt.offered)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Negotiate(%v) = %d, %v; want %d, %v", tt.offered, got, ok, tt.want, tt.ok)
			}
		})
	}
}
