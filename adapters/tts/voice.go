package tts

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultVoiceID is the voice used when the requested one cannot be honoured (Rachel)
const DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

// KnownVoices is the ordered list of premade voices the provider always serves.
// The fallback chain walks it in this order.
var KnownVoices = []string{
	DefaultVoiceID,         // Rachel
	"pNInz6obpgDQGcFmaJgB", // Adam
	"ErXwobaYiN019PkySvjV", // Antoni
	"EXAVITQu4vr4xnSDxMaL", // Bella
	"TxGEqnHWrfWFTfGW9XjX", // Josh
	"VR6AewLTigWG4xSOukaG", // Arnold
	"AZnzlk1XvdvUeBnXmlld", // Domi
	"MF3mGyEYCl7XYWbV9V6O", // Elli
}

// IsKnownVoice reports whether id is in KnownVoices
func IsKnownVoice(id string) bool {
	for _, v := range KnownVoices {
		if v == id {
			return true
		}
	}
	return false
}

// isUUIDShaped accepts canonical 8-4-4-4-12 identifiers only
func isUUIDShaped(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ResolveVoice maps a requested voice to a usable one. Known voices and
// UUID-shaped custom voices pass through; anything else gets DefaultVoiceID.
func ResolveVoice(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return DefaultVoiceID
	}
	if IsKnownVoice(requested) || isUUIDShaped(requested) {
		return requested
	}
	return DefaultVoiceID
}

// VoiceCandidates returns the order in which voices are tried for one
// synthesis attempt: first, then every known voice not yet listed.
func VoiceCandidates(first string) []string {
	out := make([]string, 0, len(KnownVoices)+1)
	out = append(out, first)
	for _, v := range KnownVoices {
		if v != first {
			out = append(out, v)
		}
	}
	return out
}
