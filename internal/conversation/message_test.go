package conversation

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStringContentRoundTrip(t *testing.T) {
	in := Message{Role: RoleUser, Content: "hello"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Role != RoleUser || out.Content != "hello" || out.Blocks != nil {
		t.Errorf("round trip = %+v", out)
	}

	// Serialize-deserialize-serialize is identity.
	again, _ := json.Marshal(out)
	if string(again) != string(data) {
		t.Errorf("second marshal %s != first %s", again, data)
	}
}

func TestSingleTextBlockFlattened(t *testing.T) {
	in := Message{Role: RoleUser, Blocks: []ContentBlock{{Type: "text", Text: "flat"}}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"content":"flat"`) {
		t.Errorf("single text block not flattened: %s", data)
	}
}

func TestMultiBlockContentPreserved(t *testing.T) {
	in := Message{Role: RoleUser, Blocks: []ContentBlock{
		{Type: "text", Text: "look:"},
		{Type: "image", URL: "https://example.com/a.png", MIME: "image/png"},
	}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Blocks) != 2 || out.Blocks[1].URL != "https://example.com/a.png" {
		t.Errorf("blocks = %+v", out.Blocks)
	}
	if out.Text() != "look:" {
		t.Errorf("Text() = %q", out.Text())
	}
}

func TestToolCallsRoundTrip(t *testing.T) {
	in := NewAssistantMessage("", []ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: ToolCallFunction{
			Name:      "search",
			Arguments: `{"q":"golang"}`,
		},
	}})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	if out.ToolCalls[0].Function.Arguments != `{"q":"golang"}` {
		t.Errorf("arguments = %q, want byte-exact raw JSON string", out.ToolCalls[0].Function.Arguments)
	}
}

func TestToolMessageCarriesCallID(t *testing.T) {
	m := NewToolMessage("call_9", "result text")
	data, _ := json.Marshal(m)

	var out Message
	json.Unmarshal(data, &out)
	if out.Role != RoleTool || out.ToolCallID != "call_9" || out.Content != "result text" {
		t.Errorf("round trip = %+v", out)
	}
}

func TestUnmarshalAcceptsBothContentForms(t *testing.T) {
	var fromString Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &fromString); err != nil {
		t.Fatal(err)
	}
	if fromString.Content != "plain" {
		t.Errorf("string form = %+v", fromString)
	}

	var fromBlocks Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"b"}]}`), &fromBlocks); err != nil {
		t.Fatal(err)
	}
	if len(fromBlocks.Blocks) != 1 || fromBlocks.Blocks[0].Text != "b" {
		t.Errorf("block form = %+v", fromBlocks)
	}

	var bad Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &bad); err == nil {
		t.Error("numeric content accepted")
	}
}
