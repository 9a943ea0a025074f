package mqtt

import "testing"

func TestEncodeRemainingLengthSmall(t *testing.T) {
	got := encodeRemainingLength(127)
	if len(got) != 1 || got[0] != 127 {
		t.Fatalf("encodeRemainingLength(127) = %v, want [127]", got)
	}
}

func TestEncodeRemainingLengthMultiByte(t *testing.T) {
	got := encodeRemainingLength(321)
	want := []byte{0xC1, 0x02}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("encodeRemainingLength(321) = %v, want %v", got, want)
	}
}

func TestEncodeUTF8String(t *testing.T) {
	got := encodeUTF8String("MQTT")
	if len(got) != 6 {
		t.Fatalf("length = %d, want 6", len(got))
	}
	if got[0] != 0 || got[1] != 4 {
		t.Fatalf("length prefix = %v, want [0,4]", got[:2])
	}
	if string(got[2:]) != "MQTT" {
		t.Fatalf("payload = %q, want MQTT", got[2:])
	}
}

func TestBuildConnectHasFixedHeaderAndProtocolName(t *testing.T) {
	pkt := buildConnect("pbx-nexus", "", "")
	if pkt[0]>>4 != packetTypeConnect {
		t.Fatalf("packet type = %d, want CONNECT", pkt[0]>>4)
	}
	pType, remaining, headerLen, err := parseFixedHeader(pkt)
	if err != nil {
		t.Fatalf("parseFixedHeader: %v", err)
	}
	if pType != packetTypeConnect {
		t.Fatalf("pType = %d, want %d", pType, packetTypeConnect)
	}
	if headerLen+remaining != len(pkt) {
		t.Fatalf("remaining length mismatch: header=%d remaining=%d total=%d", headerLen, remaining, len(pkt))
	}
}

func TestBuildConnectWithCredentialsSetsFlags(t *testing.T) {
	pkt := buildConnect("pbx-nexus", "user", "pass")
	_, _, headerLen, err := parseFixedHeader(pkt)
	if err != nil {
		t.Fatalf("parseFixedHeader: %v", err)
	}
	body := pkt[headerLen:]
	// protocol name (6) + level (1) = offset 7 for the connect flags byte.
	flags := body[7]
	if flags&0x80 == 0 {
		t.Fatalf("username flag not set: %08b", flags)
	}
	if flags&0x40 == 0 {
		t.Fatalf("password flag not set: %08b", flags)
	}
}

func TestBuildPublishQoS0OmitsPacketID(t *testing.T) {
	pkt := buildPublish("pbx/nexus/calls/connected", []byte(`{}`), 0, false, 1)
	_, _, headerLen, err := parseFixedHeader(pkt)
	if err != nil {
		t.Fatalf("parseFixedHeader: %v", err)
	}
	body := pkt[headerLen:]
	topicLen := int(body[0])<<8 | int(body[1])
	payload := body[2+topicLen:]
	if string(payload) != "{}" {
		t.Fatalf("payload = %q, want {}", payload)
	}
}

func TestBuildPublishRetainedSetsFlag(t *testing.T) {
	pkt := buildPublish("topic", []byte("x"), 0, true, 0)
	flags := pkt[0] & 0x0F
	if flags&0x01 == 0 {
		t.Fatalf("retain flag not set in header flags %08b", flags)
	}
}
