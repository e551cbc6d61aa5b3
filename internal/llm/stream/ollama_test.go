package stream

import "testing"

func TestOllamaStream(t *testing.T) {
	p := NewOllamaParser()

	lines := []string{
		`{"model":"llama3","response":"Hel","done":false}`,
		`{"model":"llama3","response":"lo","done":false}`,
		`{"model":"llama3","response":"","done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":4}`,
	}

	var content string
	var usage *Usage
	for _, line := range lines {
		events, err := p.Feed([]byte(line))
		if err != nil {
			t.Fatalf("Feed(%s): %v", line, err)
		}
		for _, ev := range events {
			switch ev.Kind {
			case KindContent:
				content += ev.Content
			case KindUsage:
				usage = ev.Usage
			}
		}
	}

	if !p.Done() {
		t.Error("done flag not detected")
	}
	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if usage == nil || usage.Prompt != 7 || usage.Completion != 4 || usage.Total != 11 {
		t.Errorf("usage = %+v, want prompt_eval/eval mapping", usage)
	}

	final := p.Finish()
	if final.Complete.Content != "Hello" {
		t.Errorf("final content = %q", final.Complete.Content)
	}
	if final.Complete.FinishReason != "stop" {
		t.Errorf("finish reason = %q", final.Complete.FinishReason)
	}
	if final.Meta.Model != "llama3" {
		t.Errorf("model = %q", final.Meta.Model)
	}
}

func TestOllamaMalformedLine(t *testing.T) {
	p := NewOllamaParser()
	if _, err := p.Feed([]byte("not json")); err == nil {
		t.Fatal("malformed line accepted")
	}
}
