package agent

import "encoding/binary"

// resampleMono converts little-endian s16 mono PCM between sample rates by
// linear interpolation. Good enough for speech endpoints; the agent service
// does its own cleanup.
func resampleMono(input []byte, inputRate, outputRate int) []byte {
	if inputRate == outputRate || len(input) < 2 {
		return input
	}

	inputSamples := len(input) / 2
	ratio := float64(outputRate) / float64(inputRate)
	outputSamples := int(float64(inputSamples) * ratio)

	output := make([]byte, outputSamples*2)
	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		idx1, idx2 := srcIdx, srcIdx+1
		if idx1 >= inputSamples {
			idx1 = inputSamples - 1
		}
		if idx2 >= inputSamples {
			idx2 = inputSamples - 1
		}

		s1 := int16(binary.LittleEndian.Uint16(input[idx1*2:]))
		s2 := int16(binary.LittleEndian.Uint16(input[idx2*2:]))
		sample := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		binary.LittleEndian.PutUint16(output[i*2:], uint16(sample))
	}
	return output
}

// stereoToMono averages interleaved s16 stereo down to mono.
func stereoToMono(input []byte) []byte {
	samples := len(input) / 4
	output := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		left := int32(int16(binary.LittleEndian.Uint16(input[i*4:])))
		right := int32(int16(binary.LittleEndian.Uint16(input[i*4+2:])))
		binary.LittleEndian.PutUint16(output[i*2:], uint16(int16((left+right)/2)))
	}
	return output
}
