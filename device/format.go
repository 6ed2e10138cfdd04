package device

// Format is an audio container/codec MIME type.
type Format string

// Known formats.
const (
	FormatWebMOpus Format = "audio/webm;codecs=opus"
	FormatWebM     Format = "audio/webm"
	FormatOggOpus  Format = "audio/ogg;codecs=opus"
	FormatMP4      Format = "audio/mp4"
	FormatMPEG     Format = "audio/mpeg"
	FormatWAV      Format = "audio/wav"
)

// PreferredFormats is the ordered encoding preference list.
var PreferredFormats = []Format{
	FormatWebMOpus,
	FormatWebM,
	FormatOggOpus,
	FormatMP4,
	FormatMPEG,
	FormatWAV,
}

// SelectFormat returns the first format in prefs the device supports.
func SelectFormat(d Device, prefs []Format) (Format, bool) {
	for _, f := range prefs {
		if d.Supports(f) {
			return f, true
		}
	}
	return "", false
}

// Extension returns a file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatWebMOpus, FormatWebM:
		return ".webm"
	case FormatOggOpus:
		return ".ogg"
	case FormatMP4:
		return ".m4a"
	case FormatMPEG:
		return ".mp3"
	case FormatWAV:
		return ".wav"
	default:
		return ".bin"
	}
}
