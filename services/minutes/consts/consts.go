package consts

const (
	// Audio formats
	FormatWAV  = "wav"
	FormatMP3  = "mp3"
	FormatFLAC = "flac"

	// Decoded chunks are mono 16-bit PCM at the rate speech engines expect.
	DecodeSampleRate = 16000
	DecodeChannels   = 1

	DefaultMaxUploadBytes = 500 * 1024 * 1024
	DefaultMaxChunkBytes  = 25 * 1000 * 1000 // engine limit, 25MB
	DefaultMaxInputChars  = 120000

	CapabilitySpeech = "speech"
	CapabilityLLM    = "llm"

	// Multipart form fields of the upload endpoint.
	FormFile      = "file"
	FormTitle     = "title"
	FormMeetingID = "meeting_id"
)
