package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// WAVInfo is the subset of a RIFF/WAVE header needed to locate and interpret
// the PCM payload.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int
}

// Duration converts a PCM payload length in bytes to playback time.
func (w WAVInfo) Duration(pcmBytes int) time.Duration {
	bps := w.BitsPerSample / 8
	if bps == 0 {
		bps = 2
	}
	if w.SampleRate <= 0 || w.Channels <= 0 || pcmBytes <= 0 {
		return 0
	}
	frames := pcmBytes / (bps * w.Channels)
	return time.Duration(frames) * time.Second / time.Duration(w.SampleRate)
}

// ParseWAV walks the RIFF chunks of wav and returns the format plus the offset
// of the data chunk.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
				info.BitsPerSample = 16
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV missing data chunk")
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte WAV header so
// that browsers can decode it directly.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// NormalizeWAV decodes a WAV clip, downmixes to mono, resamples to dstRate and
// returns a fresh WAV clip. Clips that are not WAV are returned unchanged.
func NormalizeWAV(c Clip, dstRate int) (Clip, error) {
	if c.Encoding != EncodingWAV {
		return c, nil
	}
	info, err := ParseWAV(c.Data)
	if err != nil {
		return Clip{}, err
	}
	pcm := c.Data[info.DataOffset:]
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if info.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if dstRate > 0 {
		pcm = ResampleMono16(pcm, info.SampleRate, dstRate)
	} else {
		dstRate = info.SampleRate
	}
	return Clip{
		Data:       EncodeWAV(pcm, dstRate, 1),
		Encoding:   EncodingWAV,
		SampleRate: dstRate,
		Channels:   1,
	}, nil
}
