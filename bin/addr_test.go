package bin

import (
	"encoding/json"
	"testing"
)

func TestAddrSet(t *testing.T) {
	golden := []struct {
		in   string
		want Addr
	}{
		{in: "0", want: 0},
		{in: "4096", want: 0x1000},
		{in: "0x7F0000001000", want: 0x7F0000001000},
		{in: "0XFF", want: 0xFF},
	}
	for _, g := range golden {
		var got Addr
		if err := got.Set(g.in); err != nil {
			t.Errorf("%q: unexpected error; %v", g.in, err)
			continue
		}
		if got != g.want {
			t.Errorf("%q: addr mismatch; expected %v, got %v", g.in, g.want, got)
		}
	}
}

func TestAddrSetInvalid(t *testing.T) {
	for _, s := range []string{"", "0x", "zz", "0xG1", "-1"} {
		var addr Addr
		if err := addr.Set(s); err == nil {
			t.Errorf("%q: expected error, got %v", s, addr)
		}
	}
}

func TestAddrJSON(t *testing.T) {
	var addrs Addrs
	if err := json.Unmarshal([]byte(`["0x1010", "0x1000", "4104"]`), &addrs); err != nil {
		t.Fatalf("unable to unmarshal addresses; %v", err)
	}
	set := make(AddrSet)
	set.Add(addrs...)
	got := set.Sorted()
	want := Addrs{0x1000, 0x1008, 0x1010}
	if len(got) != len(want) {
		t.Fatalf("addrs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addrs[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if !set.Contains(0x1008) || set.Contains(0x1004) {
		t.Errorf("unexpected set membership for %v", got)
	}
	buf, err := json.Marshal(Addr(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != `"0x00001000"` {
		t.Errorf("marshalled addr = %s, want %q", buf, "0x00001000")
	}
}
