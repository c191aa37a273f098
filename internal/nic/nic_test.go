package nic

import "testing"

func TestOperationModeString(t *testing.T) {
	cases := map[OperationMode]string{
		Shared:         "shared",
		Bridged:        "bridged",
		Host:           "host",
		OperationMode(99): "unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("OperationMode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

func TestParseOperationMode(t *testing.T) {
	cases := []struct {
		in      string
		want    OperationMode
		wantErr bool
	}{
		{"shared", Shared, false},
		{"bridged", Bridged, false},
		{"host", Host, false},
		{"bogus", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ParseOperationMode(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseOperationMode(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOperationMode(%q): unexpected error %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseOperationMode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestReturnCodeString(t *testing.T) {
	if got := Success.String(); got != "VMNET_SUCCESS" {
		t.Errorf("Success.String() = %q", got)
	}
	if got := BufferExhausted.String(); got != "VMNET_BUFFER_EXHAUSTED" {
		t.Errorf("BufferExhausted.String() = %q", got)
	}
	if got := ReturnCode(255).String(); got != "VMNET_UNKNOWN(255)" {
		t.Errorf("ReturnCode(255).String() = %q", got)
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Call: "vmnet_write", Code: PacketTooBig}
	want := "vmnet_write: VMNET_PACKET_TOO_BIG"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
