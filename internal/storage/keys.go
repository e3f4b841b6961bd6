package storage

import (
	"fmt"
	"strings"
)

const (
	ContentTypeMP3  = "audio/mpeg"
	ContentTypeJSON = "application/json"
)

var extensions = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/wav":   "wav",
	"audio/wave":  "wav",
	"audio/x-wav": "wav",
	"audio/flac":  "flac",
	"audio/ogg":   "ogg",
	"audio/aac":   "aac",
	"audio/m4a":   "m4a",
	"audio/x-m4a": "m4a",
	"image/jpeg":  "jpg",
	"image/jpg":   "jpg",
	"image/png":   "png",
	"image/webp":  "webp",
}

// ExtensionFor maps a content type to the file extension used in storage
// keys. Unknown types map to "bin".
func ExtensionFor(contentType string) string {
	if ext, ok := extensions[strings.ToLower(contentType)]; ok {
		return ext
	}
	return "bin"
}

func trackPrefix(trackID string) string {
	return fmt.Sprintf("tracks/%s", trackID)
}

// OriginalKey is where the client uploads the source audio.
func OriginalKey(trackID, contentType string) string {
	return fmt.Sprintf("%s/original.%s", trackPrefix(trackID), ExtensionFor(contentType))
}

// CoverKey is where the client uploads cover art.
func CoverKey(trackID, contentType string) string {
	return fmt.Sprintf("%s/cover.%s", trackPrefix(trackID), ExtensionFor(contentType))
}

func MP3320Key(trackID string) string {
	return trackPrefix(trackID) + "/audio_320.mp3"
}

func MP3128Key(trackID string) string {
	return trackPrefix(trackID) + "/audio_128.mp3"
}

func WaveformKey(trackID string) string {
	return trackPrefix(trackID) + "/waveform.json"
}
