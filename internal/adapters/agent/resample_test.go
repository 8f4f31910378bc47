package agent

import (
	"encoding/binary"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestResampleMonoSameRatePassthrough(t *testing.T) {
	t.Parallel()
	in := pcmFromSamples([]int16{1, 2, 3, 4})
	got := resampleMono(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same-rate resample should be a passthrough")
	}
}

func TestResampleMonoDownsamplesLength(t *testing.T) {
	t.Parallel()
	// 480 samples at 48kHz is 10ms; at 16kHz that is 160 samples.
	in := make([]int16, 480)
	for i := range in {
		in[i] = int16(i)
	}
	got := samplesFromPCM(resampleMono(pcmFromSamples(in), 48000, 16000))
	if len(got) != 160 {
		t.Fatalf("output samples = %d, want 160", len(got))
	}
	// A monotone ramp stays monotone through linear interpolation.
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("output not monotone at %d: %d < %d", i, got[i], got[i-1])
		}
	}
}

func TestResampleMonoConstantSignal(t *testing.T) {
	t.Parallel()
	in := make([]int16, 320)
	for i := range in {
		in[i] = 1000
	}
	got := samplesFromPCM(resampleMono(pcmFromSamples(in), 16000, 48000))
	if len(got) != 960 {
		t.Fatalf("output samples = %d, want 960", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestStereoToMonoAveragesChannels(t *testing.T) {
	t.Parallel()
	in := pcmFromSamples([]int16{100, 300, -200, 200, 50, 50})
	got := samplesFromPCM(stereoToMono(in))
	want := []int16{200, 0, 50}
	if len(got) != len(want) {
		t.Fatalf("mono samples = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
