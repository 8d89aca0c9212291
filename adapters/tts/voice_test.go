package tts

import "testing"

func TestResolveVoice(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"empty gets default", "", DefaultVoiceID},
		{"known voice kept", "pNInz6obpgDQGcFmaJgB", "pNInz6obpgDQGcFmaJgB"},
		{"uuid voice kept", "0b8e3f9c-6a4e-4c3b-9d3e-2f1a7c5b8d90", "0b8e3f9c-6a4e-4c3b-9d3e-2f1a7c5b8d90"},
		{"uuid without dashes rejected", "0b8e3f9c6a4e4c3b9d3e2f1a7c5b8d90", DefaultVoiceID},
		{"name rejected", "morgan-freeman", DefaultVoiceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveVoice(tt.requested); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestVoiceCandidates(t *testing.T) {
	custom := "0b8e3f9c-6a4e-4c3b-9d3e-2f1a7c5b8d90"
	got := VoiceCandidates(custom)
	if len(got) != len(KnownVoices)+1 {
		t.Errorf("Expected %d candidates for a custom voice, got %d", len(KnownVoices)+1, len(got))
	}
	if got[0] != custom {
		t.Errorf("Expected custom voice first, got %s", got[0])
	}

	got = VoiceCandidates(KnownVoices[2])
	if len(got) != len(KnownVoices) {
		t.Errorf("Expected %d candidates for a known voice, got %d", len(KnownVoices), len(got))
	}
	seen := map[string]bool{}
	for _, v := range got {
		if seen[v] {
			t.Errorf("Voice %s listed twice", v)
		}
		seen[v] = true
	}
}
