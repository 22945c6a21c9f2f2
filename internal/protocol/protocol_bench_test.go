package protocol

import (
	"testing"
)

func BenchmarkEncodeRange(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = EncodeRange(1, 2, 3)
	}
}

func BenchmarkEncodeRangeReport(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = EncodeRangeReport(1.5, -80)
	}
}

func BenchmarkDecodeRange(b *testing.B) {
	encoded := EncodeRange(1, 2, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}

func BenchmarkDecodeRangeReport(b *testing.B) {
	encoded := EncodeRangeReport(1.5, -80)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}

func BenchmarkEncodeBlink(b *testing.B) {
	codec := NewCodec(0xDECA)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = codec.EncodeBlink(testEUI, 1)
	}
}
