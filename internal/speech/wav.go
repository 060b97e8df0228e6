package speech

import (
	"bytes"
	"encoding/binary"
)

// silenceMillis is prepended to every synthesized clip so playback devices
// that clip the first samples do not eat the first syllable.
const silenceMillis = 300

// PrependSilence inserts leading silence into a PCM WAV clip and fixes up
// the RIFF and data chunk sizes. Non-WAV or malformed input is returned
// unchanged.
func PrependSilence(wav []byte, millis int) []byte {
	if len(wav) < 44 || !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		return wav
	}

	var byteRate uint32
	var blockAlign int
	dataOff := -1
	dataLen := 0

	// Walk the chunk list for fmt and data.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size >= 16 {
				byteRate = binary.LittleEndian.Uint32(wav[body+8 : body+12])
				blockAlign = int(binary.LittleEndian.Uint16(wav[body+12 : body+14]))
			}
		case "data":
			dataOff = body
			dataLen = size
		}
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	if byteRate == 0 || dataOff < 0 {
		return wav
	}

	silence := int(byteRate) * millis / 1000
	// Keep sample frames aligned.
	if blockAlign > 0 {
		silence -= silence % blockAlign
	}
	if silence == 0 {
		return wav
	}

	out := make([]byte, 0, len(wav)+silence)
	out = append(out, wav[:dataOff]...)
	out = append(out, make([]byte, silence)...)
	out = append(out, wav[dataOff:]...)

	binary.LittleEndian.PutUint32(out[4:8], binary.LittleEndian.Uint32(wav[4:8])+uint32(silence))
	binary.LittleEndian.PutUint32(out[dataOff-4:dataOff], uint32(dataLen+silence))
	return out
}
