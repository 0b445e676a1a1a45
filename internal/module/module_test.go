package module

import "testing"

func TestParseNotesRoundTrip(t *testing.T) {
	// One GNU build-id note: name "GNU\0" (padded to 4), 4-byte desc, type 3.
	data := []byte{
		4, 0, 0, 0, // namesz
		4, 0, 0, 0, // descsz
		3, 0, 0, 0, // type
		'G', 'N', 'U', 0, // name, already 4-byte aligned
		0xde, 0xad, 0xbe, 0xef, // desc
	}
	notes, err := parseNotes(data)
	if err != nil {
		t.Fatalf("parseNotes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
	if notes[0].name != "GNU" || notes[0].noteType != 3 {
		t.Fatalf("unexpected note: %+v", notes[0])
	}
	if len(notes[0].desc) != 4 {
		t.Fatalf("unexpected desc length: %d", len(notes[0].desc))
	}
}

func TestAlignUp4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		if got := alignUp4(in); got != want {
			t.Errorf("alignUp4(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestLookup(t *testing.T) {
	m := &Module{symbols: []Symbol{
		{Name: "foo", Addr: 0x1000, Size: 0x20},
		{Name: "bar", Addr: 0x2000, Size: 0x10},
	}}

	sym, ok := m.Lookup(0x1010)
	if !ok || sym.Name != "foo" {
		t.Fatalf("Lookup(0x1010) = %+v, %v", sym, ok)
	}

	if _, ok := m.Lookup(0x1020); ok {
		t.Fatalf("Lookup(0x1020) should miss (past foo's size)")
	}

	if _, ok := m.Lookup(0x500); ok {
		t.Fatalf("Lookup(0x500) should miss (before first symbol)")
	}
}
