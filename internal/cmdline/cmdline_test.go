package cmdline

import "testing"

func TestInsertBasic(t *testing.T) {
	b := New(64)
	if err := b.Insert("console", "ttyS0"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert("root", "/dev/vda"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got, want := string(b.AsBytes()), "console=ttyS0 root=/dev/vda"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInsertRejectsMalformedKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"equals in key", "foo=bar", "1", ErrHasEquals},
		{"space in key", "foo bar", "1", ErrHasSpace},
		{"tab in key", "foo\tbar", "1", ErrHasSpace},
		{"nul in value", "foo", "a\x00b", ErrInvalidValue},
		{"newline in value", "foo", "a\nb", ErrInvalidValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := New(64)
			if err := b.Insert(tc.key, tc.value); err != tc.wantErr {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDuplicateKeyLeavesBufferUnchanged(t *testing.T) {
	b := New(64)
	if err := b.Insert("foo", "1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := b.Insert("foo", "2"); err != ErrDuplicateKey {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}
	if got, want := string(b.AsBytes()), "foo=1"; got != want {
		t.Fatalf("buffer mutated on rejected insert: got %q, want %q", got, want)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	b := New(10)
	if err := b.Insert("ab", "cd"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// buffer is now "ab=cd" (5 bytes); next token would need 1 (space) + 5 = 6, total 11 > 10.
	if err := b.Insert("ef", "gh"); err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
	if len(b.AsBytes()) > 10 {
		t.Fatalf("capacity exceeded: %d bytes", len(b.AsBytes()))
	}
}

func TestInsertStr(t *testing.T) {
	b := New(64)
	if err := b.Insert("console", "ttyS0"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.InsertStr("earlycon=uart,mmio32,0x09000000"); err != nil {
		t.Fatalf("insert_str: %v", err)
	}
	want := "console=ttyS0 earlycon=uart,mmio32,0x09000000"
	if got := string(b.AsBytes()); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAsCStringTerminates(t *testing.T) {
	b := New(64)
	if err := b.Insert("foo", "bar"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cstr := b.AsCString()
	if cstr[len(cstr)-1] != 0 {
		t.Fatalf("expected trailing NUL")
	}
	if string(cstr[:len(cstr)-1]) != "foo=bar" {
		t.Fatalf("got %q", cstr)
	}
}
