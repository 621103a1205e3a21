package audio

import "time"

// Encoding names the container or sample format of a [Clip]'s bytes.
type Encoding string

const (
	// EncodingMP3 is an MPEG-1 Layer III stream, as returned by most hosted
	// synthesis APIs.
	EncodingMP3 Encoding = "mp3"

	// EncodingWAV is a RIFF/WAVE file carrying 16-bit PCM.
	EncodingWAV Encoding = "wav"

	// EncodingPCM16 is raw little-endian signed 16-bit PCM without a header.
	EncodingPCM16 Encoding = "pcm_s16le"
)

// Clip is one fully synthesized piece of speech, ready to be handed to a
// [Player]. Clips are produced once per response chunk and released after
// playback completes.
type Clip struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// Encoding describes how Data is laid out.
	Encoding Encoding

	// SampleRate in Hz. Zero when the encoding carries its own header (mp3).
	SampleRate int

	// Channels is 1 for mono. Zero when the encoding carries its own header.
	Channels int
}

// Empty reports whether the clip has no audio payload.
func (c Clip) Empty() bool { return len(c.Data) == 0 }

// Duration estimates the playback length of the clip. It is exact for PCM and
// WAV data and returns zero for compressed encodings.
func (c Clip) Duration() time.Duration {
	var pcmBytes int
	switch c.Encoding {
	case EncodingPCM16:
		pcmBytes = len(c.Data)
	case EncodingWAV:
		info, err := ParseWAV(c.Data)
		if err != nil {
			return 0
		}
		return info.Duration(len(c.Data) - info.DataOffset)
	default:
		return 0
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := pcmBytes / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
