package twilio

import (
	"testing"
)

func TestDecodeStartMessage(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"k":"v"}}}`)
	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != EventStart || msg.Start == nil {
		t.Fatalf("expected start payload")
	}
	if msg.Start.CallSID != "CA1" || msg.Start.MediaFormat.SampleRate != 8000 || msg.Start.CustomParameters["k"] != "v" {
		t.Fatalf("unexpected start %+v", msg.Start)
	}
}

func TestDecodeMediaAudio(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"event":"media","media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"/38A"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	audio, err := msg.Media.Audio()
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	if len(audio) != 3 || audio[0] != 0xff || audio[1] != 0x7f || audio[2] != 0x00 {
		t.Fatalf("unexpected audio %v", audio)
	}
}

func TestConfigURLs(t *testing.T) {
	cfg := Config{PublicURL: "https://relay.example.com/"}.WithDefaults()
	if got := cfg.streamURL("ignored"); got != "wss://relay.example.com/twilio" {
		t.Fatalf("unexpected stream url %s", got)
	}
	if got := cfg.voiceWebhookURL(); got != "https://relay.example.com/voice" {
		t.Fatalf("unexpected voice url %s", got)
	}
	local := Config{}.WithDefaults()
	if got := local.voiceWebhookURL(); got != "http://localhost:8080/voice" {
		t.Fatalf("unexpected local voice url %s", got)
	}
}
