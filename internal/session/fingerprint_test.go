package session

import (
	"testing"
)

func TestFingerprintUserIDSession(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"metadata": {"user_id": "user_abc_account_xyz_session_a1b2c3d4-e5f6-7890-abcd-ef1234567890"},
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	got := Fingerprint(body)
	want := "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
	if got != want {
		t.Errorf("Fingerprint = %q, want %q", got, want)
	}
}

func TestFingerprintEphemeralBlocks(t *testing.T) {
	body := []byte(`{
		"system": [
			{"type": "text", "text": "base prompt"},
			{"type": "text", "text": "cached prompt", "cache_control": {"type": "ephemeral"}}
		],
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "cached turn", "cache_control": {"type": "ephemeral"}},
				{"type": "text", "text": "volatile turn"}
			]}
		]
	}`)
	got := Fingerprint(body)
	if got != hashText("cached promptcached turn") {
		t.Errorf("Fingerprint = %q, want hash of ephemeral text only", got)
	}
	if len(got) != 32 {
		t.Errorf("hash length = %d, want 32", len(got))
	}
}

func TestFingerprintSystemFallback(t *testing.T) {
	asString := []byte(`{"system": "you are helpful", "messages": [{"role": "user", "content": "q"}]}`)
	asArray := []byte(`{"system": [{"type": "text", "text": "you are helpful"}], "messages": [{"role": "user", "content": "q"}]}`)

	a, b := Fingerprint(asString), Fingerprint(asArray)
	if a != b {
		t.Errorf("string and array system forms diverge: %q vs %q", a, b)
	}
	if a != hashText("you are helpful") {
		t.Errorf("Fingerprint = %q", a)
	}
}

func TestFingerprintFirstMessageFallback(t *testing.T) {
	body := []byte(`{"messages": [
		{"role": "user", "content": [{"type": "text", "text": "first question"}]},
		{"role": "assistant", "content": "answer"}
	]}`)
	if got := Fingerprint(body); got != hashText("first question") {
		t.Errorf("Fingerprint = %q", got)
	}
}

func TestFingerprintStableAcrossTurns(t *testing.T) {
	turn1 := []byte(`{"system": "prompt", "messages": [{"role": "user", "content": "a"}]}`)
	turn2 := []byte(`{"system": "prompt", "messages": [{"role": "user", "content": "a"}, {"role": "assistant", "content": "b"}, {"role": "user", "content": "c"}]}`)
	if Fingerprint(turn1) != Fingerprint(turn2) {
		t.Error("fingerprint must be stable as the conversation grows")
	}
}

func TestFingerprintEmptyBody(t *testing.T) {
	if got := Fingerprint([]byte(`{"messages": []}`)); got != "" {
		t.Errorf("Fingerprint = %q, want empty for unkeyable body", got)
	}
}

func TestFingerprintIgnoresMalformedUserID(t *testing.T) {
	body := []byte(`{
		"metadata": {"user_id": "user_without_session"},
		"system": "prompt",
		"messages": [{"role": "user", "content": "q"}]
	}`)
	if got := Fingerprint(body); got != hashText("prompt") {
		t.Errorf("Fingerprint = %q, want system fallback", got)
	}
}
