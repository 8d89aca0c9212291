package domain

// Client to server message types
const (
	MessageTypeTwinChat = "twin_chat"
	MessageTypePing     = "ping"
)

// Server to client message types
const (
	MessageTypeConnected    = "connected"
	MessageTypeTwinResponse = "twin_response"
	MessageTypeTTSStarted   = "tts_started"
	MessageTypeAudioChunk   = "audio_chunk"
	MessageTypeTTSComplete  = "tts_complete"
	MessageTypeError        = "error"
	MessageTypePong         = "pong"
)

// Error codes surfaced to clients or reported by workers
const (
	ErrorCodeDigitalTwin       = "DIGITAL_TWIN_ERROR"
	ErrorCodeTTS               = "TTS_ERROR"
	ErrorCodeTTSProcessing     = "TTS_PROCESSING_ERROR"
	ErrorCodeLLMProcessing     = "LLM_PROCESSING_ERROR"
	ErrorCodeMessageProcessing = "MESSAGE_PROCESSING_ERROR"
)

// Stages reported in error messages
const (
	StageTwinResponse   = "twin_response"
	StageTTSSynthesis   = "tts_synthesis"
	StageMessageParsing = "message_parsing"
)

// TwinChatMessage is the client prompt addressed to a digital twin
type TwinChatMessage struct {
	DigitalTwinID   string `json:"digitalTwinId"`
	DigitalTwinName string `json:"digitalTwinName,omitempty"`
	Message         string `json:"message"`
	Voice           string `json:"voice,omitempty"`
}

// ConnectedMessage is the first frame sent on a new connection
type ConnectedMessage struct {
	SessionID string `json:"session_id"`
}

// TwinResponseMessage carries the text reply of a turn
type TwinResponseMessage struct {
	DigitalTwinID   string `json:"digitalTwinId"`
	DigitalTwinName string `json:"digitalTwinName,omitempty"`
	Text            string `json:"text"`
	SessionID       string `json:"session_id"`
	TTSWillFollow   bool   `json:"tts_will_follow"`
}

// TTSStartedMessage announces that audio chunks are about to follow
type TTSStartedMessage struct {
	SessionID         string  `json:"session_id"`
	DigitalTwinID     string  `json:"digitalTwinId"`
	Text              string  `json:"text"`
	Voice             string  `json:"voice"`
	Provider          string  `json:"provider"`
	Format            string  `json:"format"`
	EstimatedDuration float64 `json:"estimated_duration"`
}

// AudioChunkMessage is one ordered block of synthesized audio
type AudioChunkMessage struct {
	SessionID           string `json:"session_id"`
	ChunkIndex          int    `json:"chunk_index"`
	AudioBase64         string `json:"audio_base64"`
	TotalChunksExpected int    `json:"total_chunks_expected"`
	Format              string `json:"format"`
	IsFinalChunk        bool   `json:"is_final_chunk"`
}

// TTSCompleteMessage closes the audio phase of a turn
type TTSCompleteMessage struct {
	SessionID       string  `json:"session_id"`
	DigitalTwinID   string  `json:"digitalTwinId"`
	TotalChunks     int     `json:"total_chunks"`
	TotalAudioBytes int     `json:"total_audio_bytes"`
	TotalDuration   float64 `json:"total_duration"`
	AudioURL        string  `json:"audioUrl,omitempty"`
}

// ErrorMessage reports a failure at any stage of a turn
type ErrorMessage struct {
	ErrorCode     string `json:"error_code"`
	DigitalTwinID string `json:"digitalTwinId,omitempty"`
	Message       string `json:"message"`
	Stage         string `json:"stage,omitempty"`
}
