package ids_test

import (
	"testing"

	"github.com/ocapkernel/kernel/kernel/ids"
)

func TestKRefRoundTrip(t *testing.T) {
	cases := []ids.KRef{ids.Obj(0), ids.Obj(42), ids.Prom(7)}
	for _, kr := range cases {
		s := kr.String()
		parsed, err := ids.ParseKRef(s)
		if err != nil {
			t.Fatalf("ParseKRef(%q): %v", s, err)
		}
		if parsed != kr {
			t.Fatalf("round trip mismatch: %+v != %+v", parsed, kr)
		}
	}
}

func TestEndpointIDRoundTrip(t *testing.T) {
	cases := []ids.EndpointID{ids.VatID(1), ids.SystemVatID(2), ids.RemoteID(3)}
	for _, ep := range cases {
		s := ep.String()
		parsed, err := ids.ParseEndpointID(s)
		if err != nil {
			t.Fatalf("ParseEndpointID(%q): %v", s, err)
		}
		if parsed != ep {
			t.Fatalf("round trip mismatch: %+v != %+v", parsed, ep)
		}
	}
}

func TestERefDirection(t *testing.T) {
	exp := ids.ObjExport(5)
	if exp.String() != "o+5" {
		t.Fatalf("got %q, want o+5", exp.String())
	}
	imp, err := ids.ParseERef("p-9")
	if err != nil {
		t.Fatal(err)
	}
	if !imp.IsPromise || imp.Dir != ids.DirImport || imp.N != 9 {
		t.Fatalf("parsed wrong: %+v", imp)
	}
}

func TestSubclusterIDRoundTrip(t *testing.T) {
	s := ids.SystemSubcluster(4)
	if s.String() != "ss4" {
		t.Fatalf("got %q, want ss4", s.String())
	}
	parsed, err := ids.ParseSubclusterID("s2")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.System || parsed.N != 2 {
		t.Fatalf("parsed wrong: %+v", parsed)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ids.ParseKRef("xo1"); err == nil {
		t.Fatal("expected error for unrecognized tag")
	}
	if _, err := ids.ParseERef("o1"); err == nil {
		t.Fatal("expected error for missing direction")
	}
}
