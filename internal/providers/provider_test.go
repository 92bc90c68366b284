package providers

import "testing"

func TestLastUserContent(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want string
	}{
		{
			name: "single user turn",
			msgs: []Message{{Role: RoleUser, Content: "a cat surfing"}},
			want: "a cat surfing",
		},
		{
			name: "final user turn wins",
			msgs: []Message{
				{Role: RoleUser, Content: "first idea"},
				{Role: RoleAssistant, Content: "sure"},
				{Role: RoleUser, Content: "second idea"},
			},
			want: "second idea",
		},
		{
			name: "trailing assistant turn is skipped",
			msgs: []Message{
				{Role: RoleUser, Content: "the prompt"},
				{Role: RoleAssistant, Content: "working on it"},
			},
			want: "the prompt",
		},
		{
			name: "no user turn yields no prompt",
			msgs: []Message{
				{Role: RoleSystem, Content: "you are helpful"},
				{Role: RoleAssistant, Content: "hello"},
			},
			want: "",
		},
		{
			name: "empty conversation",
			msgs: nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastUserContent(tt.msgs); got != tt.want {
				t.Errorf("LastUserContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJoinSystem(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "answer in french"},
	}
	if got, want := JoinSystem(msgs), "be brief\n\nanswer in french"; got != want {
		t.Errorf("JoinSystem() = %q, want %q", got, want)
	}
	if got := JoinSystem(nil); got != "" {
		t.Errorf("JoinSystem(nil) = %q, want empty", got)
	}
}

func TestSupported_ClosedSet(t *testing.T) {
	for _, tag := range []string{
		TagOpenAI, TagClaude, TagGemini, TagMistral, TagDeepSeek,
		TagGrok, TagOpenRouter, TagVeo2, TagRunway,
	} {
		if !Supported(tag) {
			t.Errorf("Supported(%q) = false", tag)
		}
	}
	for _, tag := range []string{"", "cohere", "OPENAI", "azure"} {
		if Supported(tag) {
			t.Errorf("Supported(%q) = true", tag)
		}
	}
}
