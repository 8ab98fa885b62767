package interactive

import "testing"

func TestParseByte(t *testing.T) {
	cases := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"0x20", 0x20, false},
		{"0X71", 0x71, false},
		{"32", 32, false},
		{"255", 255, false},
		{"0x100", 0, true},
		{"256", 0, true},
		{"basic", 0, true},
	}
	for _, tc := range cases {
		got, err := parseByte(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseByte(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseByte(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseByte(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseNodeID(t *testing.T) {
	if _, err := parseNodeID("0"); err == nil {
		t.Error("parseNodeID(0) should fail")
	}
	if _, err := parseNodeID("233"); err == nil {
		t.Error("parseNodeID(233) should fail")
	}
	got, err := parseNodeID("232")
	if err != nil || got != 232 {
		t.Errorf("parseNodeID(232) = %d, %v", got, err)
	}
}
