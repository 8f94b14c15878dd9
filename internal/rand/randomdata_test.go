package rand

import "testing"

func TestLetterString(t *testing.T) {
	s := LetterString(20)
	if len(s) != 20 {
		t.Fatalf("expected 20 characters, got %d", len(s))
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			t.Fatalf("unexpected character %q in %q", c, s)
		}
	}
}

func TestUint64NotConstant(t *testing.T) {
	a, b := Uint64(), Uint64()
	if a == b {
		t.Fatalf("two draws returned the same value %d", a)
	}
}

func benchmarkBytes(b *testing.B, size int) {
	for n := 0; n < b.N; n++ {
		_ = Bytes(size)
	}
}

func BenchmarkBytes20(b *testing.B)      { benchmarkBytes(b, 20) }
func BenchmarkBytes1000(b *testing.B)    { benchmarkBytes(b, 1000) }
func BenchmarkBytes1000000(b *testing.B) { benchmarkBytes(b, 1000000) }
