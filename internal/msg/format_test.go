package msg

import "testing"

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"cbor", FormatCBOR, false},
		{"msgpack", FormatMsgpack, false},
		{"bincode", 0, true},
		{"JSON", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q): expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormat(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatBinary(t *testing.T) {
	if FormatJSON.Binary() {
		t.Error("json marked binary")
	}
	if !FormatCBOR.Binary() || !FormatMsgpack.Binary() {
		t.Error("cbor/msgpack not marked binary")
	}
}
