package wire

import "testing"

func TestRoundTrip(t *testing.T) {
	original := Record{
		ID:        "a1",
		Kind:      Direct,
		From:      "alpha",
		To:        "bravo",
		CreatedAt: 1700000000000,
		Body:      "hi",
		Priority:  Normal,
	}

	line := original.ToWire()
	got, ok := FromWire(line)
	if !ok {
		t.Fatalf("expected FromWire to succeed on %q", line)
	}

	if got != original {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, original)
	}
}

func TestRoundTripEscapedBody(t *testing.T) {
	original := Record{
		ID:        "a2",
		Kind:      Broadcast,
		From:      "charlie",
		CreatedAt: 1700000000001,
		Body:      `He said, "hello \ world" — café`,
		Priority:  High,
	}

	line := original.ToWire()
	got, ok := FromWire(line)
	if !ok {
		t.Fatalf("expected FromWire to succeed on %q", line)
	}

	if got.Body != original.Body {
		t.Errorf("body mismatch: got %q want %q", got.Body, original.Body)
	}
	if got.To != "" {
		t.Errorf("expected no recipient, got %q", got.To)
	}
}

func TestFromWireDefaultsMissingFields(t *testing.T) {
	line := `{"type":"DIRECT","from":"alpha","to":"bravo","body":"hold for you"}`

	rec, ok := FromWire(line)
	if !ok {
		t.Fatalf("expected FromWire to succeed on %q", line)
	}

	if rec.ID == "" {
		t.Error("expected a server-assigned id")
	}
	if rec.CreatedAt == 0 {
		t.Error("expected a server-assigned timestamp")
	}
	if rec.Priority != Normal {
		t.Errorf("expected default priority NORMAL, got %v", rec.Priority)
	}
}

func TestFromWireRejectsMissingRequiredFields(t *testing.T) {
	cases := []string{
		`{"from":"alpha","body":"x"}`,            //missing type
		`{"type":"DIRECT","body":"x"}`,           //missing from
		`{"type":"DIRECT","from":"alpha"}`,       //missing body
		`not even json-shaped`,                   //garbage
	}

	for _, line := range cases {
		if _, ok := FromWire(line); ok {
			t.Errorf("expected FromWire to reject %q", line)
		}
	}
}

func TestFromWireNullRecipientIsAbsent(t *testing.T) {
	rec, ok := FromWire(`{"type":"BROADCAST","from":"alpha","to":"null","body":"all hear"}`)
	if !ok {
		t.Fatal("expected FromWire to succeed")
	}
	if rec.HasRecipient() {
		t.Errorf("expected no recipient, got %q", rec.To)
	}
}

func TestNewAck(t *testing.T) {
	ack := NewAck("bravo", "msg-123")
	if ack.Kind != Ack {
		t.Errorf("expected ACK kind, got %v", ack.Kind)
	}
	if ack.Body != "msg-123" {
		t.Errorf("expected body to carry acked id, got %q", ack.Body)
	}
	if ack.HasRecipient() {
		t.Error("ack should not have a recipient")
	}
}

func TestNewHeartbeat(t *testing.T) {
	hb := NewHeartbeat("alpha")
	if hb.Kind != Heartbeat {
		t.Errorf("expected HEARTBEAT kind, got %v", hb.Kind)
	}
	if hb.From != "alpha" {
		t.Errorf("expected from alpha, got %q", hb.From)
	}
}
