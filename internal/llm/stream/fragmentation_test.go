package stream

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// buildChunk marshals one tool-call argument fragment into a stream chunk.
func buildChunk(index int, id, name, argFragment string) []byte {
	type fn struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	}
	type tc struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function fn     `json:"function"`
	}
	payload := map[string]any{
		"choices": []map[string]any{{
			"delta": map[string]any{
				"tool_calls": []tc{{Index: index, ID: id, Function: fn{Name: name, Arguments: argFragment}}},
			},
		}},
	}
	data, _ := json.Marshal(payload)
	return data
}

// splitAt cuts s into len(points)+1 fragments at the given sorted offsets.
func splitAt(s string, points []int) []string {
	var frags []string
	prev := 0
	for _, p := range points {
		if p < prev {
			p = prev
		}
		if p > len(s) {
			p = len(s)
		}
		frags = append(frags, s[prev:p])
		prev = p
	}
	frags = append(frags, s[prev:])
	return frags
}

// TestToolCallReassembly_ArbitrarySplits is the fragmentation-correctness
// property: for any arguments string and any split of it into fragments,
// the final Complete event carries the byte-identical concatenation.
func TestToolCallReassembly_ArbitrarySplits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	argGen := gen.OneConstOf(
		`{}`,
		`{"q":"x"}`,
		`{"query":"hello world","limit":10,"nested":{"a":[1,2,3],"b":null}}`,
		`{"text":"multi\nline with \"quotes\" and unicode: 你好 🙂"}`,
		`{"empty":"","weird":"}{,:[]"}`,
	)

	properties.Property("reassembly equals original", prop.ForAll(
		func(args string, rawPoints []int) bool {
			points := make([]int, 0, len(rawPoints))
			for _, p := range rawPoints {
				if p < 0 {
					p = -p
				}
				points = append(points, p%(len(args)+1))
			}
			// splitAt tolerates unsorted points by clamping; sort for
			// well-formed fragments.
			for i := 1; i < len(points); i++ {
				for j := i; j > 0 && points[j] < points[j-1]; j-- {
					points[j], points[j-1] = points[j-1], points[j]
				}
			}

			p := NewOpenAIParser()
			frags := splitAt(args, points)
			for i, frag := range frags {
				id, name := "", ""
				if i == 0 {
					id, name = "call_0", "tool"
				}
				if _, err := p.Feed(buildChunk(0, id, name, frag)); err != nil {
					return false
				}
			}

			final := p.Finish()
			if len(final.Complete.ToolCalls) != 1 {
				return false
			}
			return final.Complete.ToolCalls[0].Function.Arguments == args
		},
		argGen,
		gen.SliceOf(gen.IntRange(0, 200)),
	))

	properties.Property("interleaved indexes reassemble independently", prop.ForAll(
		func(a, b string, seed int) bool {
			p := NewOpenAIParser()
			fa := splitAt(a, []int{seed % (len(a) + 1)})
			fb := splitAt(b, []int{(seed * 7) % (len(b) + 1)})

			p.Feed(buildChunk(0, "call_a", "first", fa[0]))
			p.Feed(buildChunk(1, "call_b", "second", fb[0]))
			p.Feed(buildChunk(0, "", "", fa[1]))
			p.Feed(buildChunk(1, "", "", fb[1]))

			final := p.Finish()
			if len(final.Complete.ToolCalls) != 2 {
				return false
			}
			return final.Complete.ToolCalls[0].Function.Arguments == a &&
				final.Complete.ToolCalls[1].Function.Arguments == b
		},
		gen.OneConstOf(`{"a":1}`, `{"long":"aaaaaaaaaaaaaaaaaaaaaaaa"}`, `{}`),
		gen.OneConstOf(`{"b":2}`, `{"other":[true,false]}`, `{"s":"t"}`),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestContentReassembly_ArbitrarySplits: random splits of a ground-truth
// content string produce an identical final Complete event.
func TestContentReassembly_ArbitrarySplits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("content splits converge", prop.ForAll(
		func(cut int) bool {
			const text = "The quick brown fox jumps over the lazy dog."
			cut = cut % (len(text) + 1)

			p := NewOpenAIParser()
			for _, frag := range splitAt(text, []int{cut}) {
				data, _ := json.Marshal(map[string]any{
					"choices": []map[string]any{{"delta": map[string]any{"content": frag}}},
				})
				if _, err := p.Feed(data); err != nil {
					return false
				}
			}
			return p.Finish().Complete.Content == text
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
